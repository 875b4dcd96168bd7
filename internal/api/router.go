package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/tenantgate/internal/api/middleware"
	"github.com/kiranshivaraju/tenantgate/internal/api/handler"
	"github.com/kiranshivaraju/tenantgate/internal/api/response"
	"github.com/kiranshivaraju/tenantgate/internal/authz"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler   http.HandlerFunc
	MetricsHandler  http.Handler
	GenerateHandler http.HandlerFunc

	Accounts  *handler.Accounts
	Upstreams *handler.Upstreams
	Users     *handler.Users
	Tenants   *handler.Tenants
	Usage     *handler.Usage
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Metrics)
	r.Use(mw.Recovery)
	r.Use(mw.Credentials)

	r.Get("/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}
		r.Post("/api/generate", orNotImplemented(deps.GenerateHandler))
		if a := deps.Accounts; a != nil {
			r.Post("/api/users/login", a.Login)
		}
	})

	if a := deps.Accounts; a != nil {
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Authenticate)
			if deps.RateLimit != nil {
				r.Use(deps.RateLimit.Limit)
			}
			r.Post("/api/users/{id}/password:change", a.ChangePassword)
		})
	}

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		if u := deps.Upstreams; u != nil {
			r.Route("/upstream-services", func(r chi.Router) {
				r.Use(mw.Require(authz.CapManageUpstreams))
				r.Get("/", u.List)
				r.Post("/", u.Create)
				r.Get("/current", u.Current)
				r.Get("/health", u.Health)
				r.Post("/switch", u.Switch)
				r.Put("/failover", u.Failover)
				r.Put("/{key}", u.Update)
				r.Delete("/{key}", u.Delete)
			})
		}

		if u := deps.Users; u != nil {
			r.Route("/users", func(r chi.Router) {
				r.Use(mw.Require(authz.CapManageIdentities))
				r.Get("/", u.List)
				r.Post("/", u.Create)
				r.Patch("/{id}", u.Update)
				r.Delete("/{id}", u.Delete)
				r.Post("/{id}/reset-usage", u.ResetUsage)
				r.Post("/{id}/reset-password", u.ResetPassword)
			})
		}

		if t := deps.Tenants; t != nil {
			r.Route("/tenants", func(r chi.Router) {
				r.Use(mw.Require(authz.CapManageTenants))
				r.Get("/", t.List)
				r.Post("/", t.Create)
				r.Delete("/{id}", t.Delete)
			})
		}

		if u := deps.Usage; u != nil {
			r.Route("/usage", func(r chi.Router) {
				r.Use(mw.Require(authz.CapViewUsage))
				r.Get("/summary", u.Summary)
				r.Get("/by-user", u.ByUser)
				r.Get("/by-day", u.ByDay)
			})
		}
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
