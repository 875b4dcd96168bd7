package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/tenantgate/internal/api/response"
	"github.com/kiranshivaraju/tenantgate/internal/authz"
)

const (
	HeaderAdminToken = "X-Admin-Token"
	HeaderUserID     = "X-User-ID"
)

// Resolver turns a credential into an authorization context.
type Resolver interface {
	Resolve(ctx context.Context, cred authz.Credential) (*authz.Context, error)
}

// Auth provides credential extraction and capability middleware.
type Auth struct {
	resolver Resolver
}

func NewAuth(r Resolver) *Auth {
	return &Auth{resolver: r}
}

// Credentials copies the caller's credential headers into the request context
// without validating them. A Bearer token is accepted as the admin token.
func Credentials(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred := authz.Credential{
			AdminToken:  strings.TrimSpace(r.Header.Get(HeaderAdminToken)),
			IdentityRef: strings.TrimSpace(r.Header.Get(HeaderUserID)),
		}
		if cred.AdminToken == "" {
			cred.AdminToken = extractBearerToken(r)
		}
		next.ServeHTTP(w, r.WithContext(SetCredential(r.Context(), cred)))
	})
}

// Authenticate resolves the extracted credential and stores the resulting
// authz.Context. Requests that cannot be resolved are rejected.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred := GetCredential(r)
		if cred.Empty() {
			response.FromError(w, authz.ErrUnauthenticated)
			return
		}

		ac, err := a.resolver.Resolve(r.Context(), cred)
		if err != nil {
			response.FromError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(SetAuth(r.Context(), ac)))
	})
}

// Require returns middleware that rejects callers lacking the capability.
func Require(want authz.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, _ := GetAuth(r)
			if err := authz.Authorize(ac, want); err != nil {
				response.FromError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Subject labels the caller for rate limiting. Resolved callers use their
// authz subject; anything else falls back to the credential, then the client IP.
func Subject(r *http.Request) string {
	if ac, ok := GetAuth(r); ok {
		return ac.Subject()
	}
	cred := GetCredential(r)
	switch {
	case cred.IdentityRef != "":
		return "identity:" + cred.IdentityRef
	case cred.AdminToken != "":
		return "admin-token"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "anonymous:" + host
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
