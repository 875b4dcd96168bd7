// Package registry owns the set of upstream inference services and the one
// currently selected. State is persisted as a single JSON document and held in
// memory as an immutable snapshot that writers replace wholesale.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kiranshivaraju/tenantgate/pkg/models"
)

var (
	ErrConflict     = errors.New("registry conflict")
	ErrDuplicateKey = fmt.Errorf("%w: key already exists", ErrConflict)
	ErrNotFound     = fmt.Errorf("%w: key not found", ErrConflict)
	ErrProtectedKey = fmt.Errorf("%w: key is protected", ErrConflict)
	ErrDisabled     = fmt.Errorf("%w: service is disabled", ErrConflict)

	ErrInvalid        = errors.New("invalid upstream service")
	ErrConfigDegraded = errors.New("registry config degraded")
)

const DefaultHealthCheckInterval = 30

// State is the persisted registry document.
type State struct {
	Services            map[string]models.UpstreamService `json:"upstream_services"`
	CurrentKey          string                            `json:"current_upstream"`
	AutoFailover        bool                              `json:"auto_failover"`
	HealthCheckInterval int                               `json:"health_check_interval"`
}

func (s *State) clone() *State {
	cp := *s
	cp.Services = maps.Clone(s.Services)
	if cp.Services == nil {
		cp.Services = make(map[string]models.UpstreamService)
	}
	return &cp
}

// Keys returns the service keys in sorted order.
func (s State) Keys() []string {
	return slices.Sorted(maps.Keys(s.Services))
}

// Fallback is the process-level target used when no registry entry is usable.
type Fallback struct {
	URL   string
	Model string
}

// Target is a resolved upstream for one request.
type Target struct {
	Key   string
	URL   string
	Model string
	// FromFallback is set when neither the current nor the default entry was usable.
	FromFallback bool
}

// ServicePatch lists the fields Update may change. Nil fields are left alone.
type ServicePatch struct {
	Name        *string
	URL         *string
	Model       *string
	Description *string
	Enabled     *bool
}

// Registry is safe for concurrent use. Readers never block and always see a
// complete snapshot.
type Registry struct {
	path     string
	fallback Fallback

	mu   sync.Mutex
	snap atomic.Pointer[State]
}

// Load reads the document at path. A missing file is replaced by a default
// single-entry document. A malformed file yields a registry built from the
// fallback together with an error wrapping ErrConfigDegraded; the registry is
// usable either way.
func Load(path string, fallback Fallback) (*Registry, error) {
	r := &Registry{path: path, fallback: fallback}
	err := r.Reload()
	return r, err
}

// Reload re-reads the document from disk and swaps it in.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		st := r.defaultState("Default upstream")
		r.snap.Store(st)
		if err := r.persist(st); err != nil {
			return fmt.Errorf("%w: %v", ErrConfigDegraded, err)
		}
		slog.Info("registry document created", "path", r.path)
		return nil
	}
	if err != nil {
		r.snap.Store(r.defaultState("Derived from environment"))
		return fmt.Errorf("%w: read %s: %v", ErrConfigDegraded, r.path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		r.snap.Store(r.defaultState("Derived from environment"))
		return fmt.Errorf("%w: parse %s: %v", ErrConfigDegraded, r.path, err)
	}
	r.snap.Store(st.clone())
	return nil
}

func (r *Registry) defaultState(description string) *State {
	return &State{
		Services: map[string]models.UpstreamService{
			models.DefaultUpstreamKey: {
				Name:        "Default service",
				URL:         strings.TrimRight(r.fallback.URL, "/"),
				Model:       r.fallback.Model,
				Description: description,
				Enabled:     true,
			},
		},
		CurrentKey:          models.DefaultUpstreamKey,
		AutoFailover:        true,
		HealthCheckInterval: DefaultHealthCheckInterval,
	}
}

// persist writes st to a temp file beside the target and renames it into place.
func (r *Registry) persist(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".registry-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// mutate applies fn to a copy of the snapshot, persists it, then publishes it.
// On any error the published snapshot is unchanged.
func (r *Registry) mutate(fn func(st *State) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.snap.Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := r.persist(next); err != nil {
		return err
	}
	r.snap.Store(next)
	return nil
}

// Snapshot returns a copy of the current state.
func (r *Registry) Snapshot() State {
	return *r.snap.Load().clone()
}

// ResolveCurrent never fails: current entry if enabled, else "default" if
// enabled, else the process fallback.
func (r *Registry) ResolveCurrent() Target {
	st := r.snap.Load()

	for _, key := range []string{st.CurrentKey, models.DefaultUpstreamKey} {
		if svc, ok := st.Services[key]; ok && svc.Enabled && svc.URL != "" {
			model := svc.Model
			if model == "" {
				model = r.fallback.Model
			}
			return Target{Key: key, URL: svc.URL, Model: model}
		}
	}
	return Target{URL: strings.TrimRight(r.fallback.URL, "/"), Model: r.fallback.Model, FromFallback: true}
}

func (r *Registry) Get(key string) (models.UpstreamService, error) {
	svc, ok := r.snap.Load().Services[key]
	if !ok {
		return models.UpstreamService{}, ErrNotFound
	}
	return svc, nil
}

// Current returns the configured current key and its entry, which may be disabled.
func (r *Registry) Current() (string, models.UpstreamService, error) {
	st := r.snap.Load()
	svc, ok := st.Services[st.CurrentKey]
	if !ok {
		return st.CurrentKey, models.UpstreamService{}, ErrNotFound
	}
	return st.CurrentKey, svc, nil
}

func (r *Registry) Add(key string, svc models.UpstreamService) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalid)
	}
	if svc.URL = strings.TrimRight(svc.URL, "/"); svc.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalid)
	}
	if svc.Model == "" {
		svc.Model = r.fallback.Model
	}
	return r.mutate(func(st *State) error {
		if _, ok := st.Services[key]; ok {
			return ErrDuplicateKey
		}
		st.Services[key] = svc
		return nil
	})
}

func (r *Registry) Update(key string, patch ServicePatch) (models.UpstreamService, error) {
	var updated models.UpstreamService
	err := r.mutate(func(st *State) error {
		svc, ok := st.Services[key]
		if !ok {
			return ErrNotFound
		}
		if patch.Name != nil {
			svc.Name = *patch.Name
		}
		if patch.URL != nil {
			if svc.URL = strings.TrimRight(*patch.URL, "/"); svc.URL == "" {
				return fmt.Errorf("%w: url is required", ErrInvalid)
			}
		}
		if patch.Model != nil {
			svc.Model = *patch.Model
		}
		if patch.Description != nil {
			svc.Description = *patch.Description
		}
		if patch.Enabled != nil {
			svc.Enabled = *patch.Enabled
		}
		st.Services[key] = svc
		updated = svc
		return nil
	})
	return updated, err
}

// Remove deletes an entry. Removing the current entry resets current to "default".
func (r *Registry) Remove(key string) error {
	if key == models.DefaultUpstreamKey {
		return ErrProtectedKey
	}
	return r.mutate(func(st *State) error {
		if _, ok := st.Services[key]; !ok {
			return ErrNotFound
		}
		delete(st.Services, key)
		if st.CurrentKey == key {
			st.CurrentKey = models.DefaultUpstreamKey
		}
		return nil
	})
}

// SwitchTo makes key current. It must exist and be enabled.
func (r *Registry) SwitchTo(key string) error {
	return r.mutate(func(st *State) error {
		svc, ok := st.Services[key]
		if !ok {
			return ErrNotFound
		}
		if !svc.Enabled {
			return ErrDisabled
		}
		st.CurrentKey = key
		return nil
	})
}

// SetAutoFailover records the failover intent flag. It is advisory only.
func (r *Registry) SetAutoFailover(enabled bool) error {
	return r.mutate(func(st *State) error {
		st.AutoFailover = enabled
		return nil
	})
}

// HealthCheckInterval is the configured monitor period in seconds.
func (r *Registry) HealthCheckInterval() int {
	if n := r.snap.Load().HealthCheckInterval; n > 0 {
		return n
	}
	return DefaultHealthCheckInterval
}
