package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/tenantgate/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusUnhealthy   Status = "unhealthy"
	StatusUnreachable Status = "unreachable"
	StatusDisabled    Status = "disabled"
)

const maxConcurrentProbes = 8

var upstreamUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "tenantgate_upstream_up",
	Help: "Whether the last health probe of an upstream service succeeded (1) or not (0).",
}, []string{"key"})

// Health is the outcome of probing one entry.
type Health struct {
	Status    Status `json:"status"`
	URL       string `json:"url"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

// Prober performs a single health request.
type Prober interface {
	Probe(ctx context.Context, baseURL string) (int, error)
}

// StatusSink stores the last advisory result per entry so other replicas and
// admin views can read it without probing.
type StatusSink interface {
	SetUpstreamStatus(ctx context.Context, upstreamKey string, status string, ttl time.Duration) error
	GetUpstreamStatus(ctx context.Context, upstreamKey string) (string, bool, error)
}

// Checker probes registry entries. It never changes the current key.
type Checker struct {
	registry *Registry
	prober   Prober
	timeout  time.Duration
	sink     StatusSink
}

// NewChecker builds a Checker. sink may be nil.
func NewChecker(registry *Registry, prober Prober, timeout time.Duration, sink StatusSink) *Checker {
	return &Checker{registry: registry, prober: prober, timeout: timeout, sink: sink}
}

// Check probes every enabled entry in parallel. Disabled entries are reported
// without a request.
func (c *Checker) Check(ctx context.Context) map[string]Health {
	st := c.registry.Snapshot()
	results := make(map[string]Health, len(st.Services))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)
	for key, svc := range st.Services {
		if !svc.Enabled {
			mu.Lock()
			results[key] = Health{Status: StatusDisabled, URL: svc.URL}
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			h := c.probe(ctx, svc.URL)
			mu.Lock()
			results[key] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Checker) probe(ctx context.Context, url string) Health {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	status, err := c.prober.Probe(ctx, url)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		detail := "unreachable"
		if errors.Is(err, upstream.ErrTimeout) {
			detail = "timeout"
		}
		return Health{Status: StatusUnreachable, URL: url, Detail: detail, LatencyMS: latency}
	}
	if status < 200 || status > 299 {
		return Health{Status: StatusUnhealthy, URL: url, Detail: fmt.Sprintf("HTTP %d", status), LatencyMS: latency}
	}
	return Health{Status: StatusHealthy, URL: url, LatencyMS: latency}
}

// Cached returns the last published status per entry. Entries never probed, or
// whose status expired, are omitted.
func (c *Checker) Cached(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	if c.sink == nil {
		return out, nil
	}
	for _, key := range c.registry.Snapshot().Keys() {
		status, ok, err := c.sink.GetUpstreamStatus(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read cached status for %s: %w", key, err)
		}
		if ok {
			out[key] = status
		}
	}
	return out, nil
}

// Monitor runs Check every health_check_interval seconds until ctx is done,
// exporting results as a gauge and logging status transitions. It is advisory
// and never switches the current key.
func (c *Checker) Monitor(ctx context.Context) {
	previous := make(map[string]Status)
	for {
		interval := time.Duration(c.registry.HealthCheckInterval()) * time.Second
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		results := c.Check(ctx)
		for key, h := range results {
			c.publish(ctx, key, h, 3*interval)
			if prev, seen := previous[key]; seen && prev != h.Status {
				slog.Warn("upstream status changed", "key", key, "from", prev, "to", h.Status, "detail", h.Detail)
			}
			previous[key] = h.Status
		}
		for key := range previous {
			if _, ok := results[key]; !ok {
				upstreamUp.DeleteLabelValues(key)
				delete(previous, key)
			}
		}
	}
}

func (c *Checker) publish(ctx context.Context, key string, h Health, ttl time.Duration) {
	up := 0.0
	if h.Status == StatusHealthy {
		up = 1
	}
	upstreamUp.WithLabelValues(key).Set(up)

	if c.sink == nil {
		return
	}
	status := string(h.Status)
	if h.Detail != "" {
		status += ": " + h.Detail
	}
	if err := c.sink.SetUpstreamStatus(ctx, key, status, ttl); err != nil {
		slog.Error("failed to publish upstream status", "key", key, "error", err)
	}
}
