package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/tenantgate/internal/authz"
)

type contextKey string

const (
	credentialKey contextKey = "credential"
	authKey       contextKey = "auth_context"
)

func SetCredential(ctx context.Context, cred authz.Credential) context.Context {
	return context.WithValue(ctx, credentialKey, cred)
}

// GetCredential returns the credential extracted by Credentials. The zero value
// means nothing was presented.
func GetCredential(r *http.Request) authz.Credential {
	cred, _ := r.Context().Value(credentialKey).(authz.Credential)
	return cred
}

func SetAuth(ctx context.Context, ac *authz.Context) context.Context {
	return context.WithValue(ctx, authKey, ac)
}

func GetAuth(r *http.Request) (*authz.Context, bool) {
	ac, ok := r.Context().Value(authKey).(*authz.Context)
	return ac, ok && ac != nil
}
