package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/kiranshivaraju/tenantgate/internal/api/response"
	"github.com/kiranshivaraju/tenantgate/internal/registry"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
)

// Registry is the slice of *registry.Registry the admin endpoints use.
type Registry interface {
	Snapshot() registry.State
	Get(key string) (models.UpstreamService, error)
	Current() (string, models.UpstreamService, error)
	ResolveCurrent() registry.Target
	Add(key string, svc models.UpstreamService) error
	Update(key string, patch registry.ServicePatch) (models.UpstreamService, error)
	Remove(key string) error
	SwitchTo(key string) error
	SetAutoFailover(enabled bool) error
}

// HealthChecker probes registry entries on demand or reads the last published result.
type HealthChecker interface {
	Check(ctx context.Context) map[string]registry.Health
	Cached(ctx context.Context) (map[string]string, error)
}

// Upstreams serves /api/admin/upstream-services. Callers must hold
// authz.CapManageUpstreams; the router enforces it.
type Upstreams struct {
	registry Registry
	health   HealthChecker
	validate *validator.Validate
}

func NewUpstreams(reg Registry, health HealthChecker) *Upstreams {
	return &Upstreams{registry: reg, health: health, validate: newValidator()}
}

type createUpstreamRequest struct {
	Key         string `json:"key"         validate:"required,max=64"`
	Name        string `json:"name"        validate:"max=255"`
	URL         string `json:"url"         validate:"required,url"`
	Model       string `json:"model"`
	Description string `json:"description"`
	Enabled     *bool  `json:"enabled"`
}

type updateUpstreamRequest struct {
	Name        *string `json:"name"        validate:"omitempty,max=255"`
	URL         *string `json:"url"         validate:"omitempty,url"`
	Model       *string `json:"model"`
	Description *string `json:"description"`
	Enabled     *bool   `json:"enabled"`
}

type switchRequest struct {
	Key string `json:"key" validate:"required"`
}

type failoverRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type upstreamView struct {
	Key string `json:"key"`
	models.UpstreamService
	Current bool `json:"current"`
}

type currentView struct {
	Key          string `json:"key"`
	URL          string `json:"url"`
	Model        string `json:"model"`
	FromFallback bool   `json:"from_fallback"`
	Configured   string `json:"configured"`
}

// List returns every entry in key order plus the registry flags.
func (h *Upstreams) List(w http.ResponseWriter, r *http.Request) {
	st := h.registry.Snapshot()
	services := make([]upstreamView, 0, len(st.Services))
	for _, key := range st.Keys() {
		services = append(services, upstreamView{Key: key, UpstreamService: st.Services[key], Current: key == st.CurrentKey})
	}
	response.JSON(w, map[string]any{
		"upstream_services":     services,
		"current_upstream":      st.CurrentKey,
		"auto_failover":         st.AutoFailover,
		"health_check_interval": st.HealthCheckInterval,
	})
}

func (h *Upstreams) Create(w http.ResponseWriter, r *http.Request) {
	var req createUpstreamRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	svc := models.UpstreamService{
		Name:        req.Name,
		URL:         req.URL,
		Model:       req.Model,
		Description: req.Description,
		Enabled:     enabled,
	}
	if err := h.registry.Add(req.Key, svc); err != nil {
		response.FromError(w, err)
		return
	}

	created, err := h.registry.Get(req.Key)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Created(w, upstreamView{Key: req.Key, UpstreamService: created})
}

func (h *Upstreams) Update(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req updateUpstreamRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	svc, err := h.registry.Update(key, registry.ServicePatch{
		Name:        req.Name,
		URL:         req.URL,
		Model:       req.Model,
		Description: req.Description,
		Enabled:     req.Enabled,
	})
	if err != nil {
		response.FromError(w, err)
		return
	}
	current, _, _ := h.registry.Current()
	response.JSON(w, upstreamView{Key: key, UpstreamService: svc, Current: key == current})
}

func (h *Upstreams) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Remove(chi.URLParam(r, "key")); err != nil {
		response.FromError(w, err)
		return
	}
	response.NoContent(w)
}

func (h *Upstreams) Switch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	if err := h.registry.SwitchTo(req.Key); err != nil {
		response.FromError(w, err)
		return
	}
	h.Current(w, r)
}

// Current reports both the configured key and the target requests actually use.
func (h *Upstreams) Current(w http.ResponseWriter, r *http.Request) {
	configured, _, _ := h.registry.Current()
	target := h.registry.ResolveCurrent()
	response.JSON(w, currentView{
		Key:          target.Key,
		URL:          target.URL,
		Model:        target.Model,
		FromFallback: target.FromFallback,
		Configured:   configured,
	})
}

// Health probes every entry now, or with ?cached=true returns what the
// background monitor last published.
func (h *Upstreams) Health(w http.ResponseWriter, r *http.Request) {
	if cached, _ := strconv.ParseBool(r.URL.Query().Get("cached")); cached {
		statuses, err := h.health.Cached(r.Context())
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, statuses)
		return
	}
	response.JSON(w, h.health.Check(r.Context()))
}

func (h *Upstreams) Failover(w http.ResponseWriter, r *http.Request) {
	var req failoverRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	if err := h.registry.SetAutoFailover(*req.Enabled); err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, map[string]bool{"auto_failover": *req.Enabled})
}
