package response

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/tenantgate/internal/authz"
	"github.com/kiranshivaraju/tenantgate/internal/gateway"
	"github.com/kiranshivaraju/tenantgate/internal/quota"
	"github.com/kiranshivaraju/tenantgate/internal/registry"
	"github.com/kiranshivaraju/tenantgate/internal/store"
	"github.com/kiranshivaraju/tenantgate/internal/upstream"
)

// FromError writes the error envelope for a domain error. Upstream rejections
// are passed through with their original status and body.
func FromError(w http.ResponseWriter, err error) {
	var rejected *upstream.RejectedError
	if errors.As(err, &rejected) {
		contentType := rejected.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		Raw(w, rejected.StatusCode, contentType, rejected.Body)
		return
	}

	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		Error(w, http.StatusTooManyRequests, "QUOTA_EXCEEDED", exceeded.Error(), map[string]any{
			"reason": exceeded.Reason,
			"limit":  exceeded.Limit,
			"used":   exceeded.Used,
		})
		return
	}

	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, authz.ErrUnauthenticated):
		Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Missing or invalid credentials", nil)
	case errors.Is(err, authz.ErrIdentityDisabled):
		Error(w, http.StatusForbidden, "IDENTITY_DISABLED", "Identity is disabled", nil)
	case errors.Is(err, authz.ErrForbidden):
		Error(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions", nil)
	case errors.Is(err, authz.ErrIdentityNotFound):
		Error(w, http.StatusNotFound, "IDENTITY_NOT_FOUND", "Identity not found", nil)
	case errors.Is(err, quota.ErrQuotaExceeded):
		Error(w, http.StatusTooManyRequests, "QUOTA_EXCEEDED", "Usage quota exceeded", nil)
	case errors.Is(err, upstream.ErrTimeout):
		Error(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "Upstream did not answer in time",
			map[string]string{"cause": "UPSTREAM_TIMEOUT"})
	case errors.Is(err, upstream.ErrUnavailable):
		Error(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "Upstream service is not reachable", nil)
	case errors.Is(err, registry.ErrDuplicateKey):
		Error(w, http.StatusConflict, "DUPLICATE_KEY", "Upstream key already exists", nil)
	case errors.Is(err, registry.ErrNotFound):
		Error(w, http.StatusNotFound, "UPSTREAM_NOT_FOUND", "Upstream service not found", nil)
	case errors.Is(err, registry.ErrProtectedKey), errors.Is(err, registry.ErrDisabled), errors.Is(err, registry.ErrInvalid):
		Error(w, http.StatusBadRequest, "INVALID_UPSTREAM", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, store.ErrDuplicateKey):
		Error(w, http.StatusConflict, "DUPLICATE", "Resource already exists", nil)
	default:
		slog.Error("unhandled error", "error", err)
		Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
