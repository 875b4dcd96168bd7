// Package gateway runs a generation request through authentication, quota,
// upstream selection and forwarding.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kiranshivaraju/tenantgate/internal/authz"
	"github.com/kiranshivaraju/tenantgate/internal/quota"
	"github.com/kiranshivaraju/tenantgate/internal/registry"
	"github.com/kiranshivaraju/tenantgate/internal/upstream"
	"github.com/kiranshivaraju/tenantgate/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ErrInvalidRequest = errors.New("invalid request")

var generateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tenantgate_generate_total",
	Help: "Generation requests by upstream and outcome.",
}, []string{"upstream", "outcome"})

// GenerateRequest is the inbound contract for a generation call.
type GenerateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt" validate:"required"`
	Images []string `json:"images,omitempty" validate:"omitempty,dive,required"`
	Stream bool     `json:"stream"`
}

type Authenticator interface {
	Resolve(ctx context.Context, cred authz.Credential) (*authz.Context, error)
}

type Ledger interface {
	CheckAndReserve(ctx context.Context, identity *models.Identity) error
	Commit(ctx context.Context, identity *models.Identity, meta quota.EventMeta) error
}

type Resolver interface {
	ResolveCurrent() registry.Target
}

type Options struct {
	// SystemPrompt is wrapped around every prompt. Empty disables wrapping.
	SystemPrompt string
	// AllowAnonymous admits calls that present no credential. They are never metered.
	AllowAnonymous bool
}

// Gateway is safe for concurrent use.
type Gateway struct {
	auth     Authenticator
	ledger   Ledger
	registry Resolver
	client   upstream.Client
	opts     Options
	validate *validator.Validate
}

func New(auth Authenticator, ledger Ledger, reg Resolver, client upstream.Client, opts Options) *Gateway {
	return &Gateway{
		auth:     auth,
		ledger:   ledger,
		registry: reg,
		client:   client,
		opts:     opts,
		validate: validator.New(),
	}
}

// Call is a request that passed every check and has a target. It is bound to
// the upstream resolved at Prepare time.
type Call struct {
	Auth     *authz.Context
	Identity *models.Identity
	Target   registry.Target
	Payload  upstream.Payload
	started  time.Time
}

// Metered reports whether forwarding this call will be charged to an identity.
func (c *Call) Metered() bool { return c.Identity != nil }

// Prepare authenticates, authorizes and quota-checks the caller, then resolves
// the upstream and builds the outgoing payload. An identity reference takes
// precedence over the admin token so identity calls are always metered.
func (g *Gateway) Prepare(ctx context.Context, cred authz.Credential, req GenerateRequest) (*Call, error) {
	if err := g.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	call := &Call{started: time.Now()}

	switch {
	case cred.IdentityRef != "":
		ac, err := g.auth.Resolve(ctx, authz.Credential{IdentityRef: cred.IdentityRef})
		if err != nil {
			return nil, err
		}
		if err := authz.Authorize(ac, authz.CapGenerate); err != nil {
			return nil, err
		}
		if err := authz.AuthorizeSelf(ac, ac.Identity); err != nil {
			return nil, err
		}
		if err := g.ledger.CheckAndReserve(ctx, ac.Identity); err != nil {
			return nil, err
		}
		call.Auth, call.Identity = ac, ac.Identity
	case cred.AdminToken != "":
		ac, err := g.auth.Resolve(ctx, authz.Credential{AdminToken: cred.AdminToken})
		if err != nil {
			return nil, err
		}
		if err := authz.Authorize(ac, authz.CapGenerate); err != nil {
			return nil, err
		}
		call.Auth = ac
	default:
		if !g.opts.AllowAnonymous {
			return nil, authz.ErrUnauthenticated
		}
	}

	call.Target = g.registry.ResolveCurrent()
	call.Payload = upstream.Payload{
		Model:  call.Target.Model,
		Prompt: WrapPrompt(g.opts.SystemPrompt, req.Prompt),
		Images: req.Images,
		Stream: req.Stream,
	}
	return call, nil
}

// Forward performs a non-streaming call. Non-2xx answers come back as
// *upstream.RejectedError and transport failures wrap upstream.ErrUnavailable.
// Bodies that are not JSON are wrapped as {"response": "<text>"}.
func (g *Gateway) Forward(ctx context.Context, call *Call) (*upstream.Response, error) {
	resp, err := g.client.Generate(ctx, call.Target.URL, call.Payload)
	if err != nil {
		g.record(call, err)
		return nil, err
	}

	g.commit(ctx, call, false)

	if !json.Valid(resp.Body) {
		wrapped, err := json.Marshal(map[string]string{"response": string(resp.Body)})
		if err != nil {
			return nil, fmt.Errorf("wrap upstream body: %w", err)
		}
		resp.Body = wrapped
		resp.ContentType = "application/json"
	}
	return resp, nil
}

// Open starts a streaming call. Usage is committed once, as soon as the
// upstream accepts the stream; the caller must Close the stream.
func (g *Gateway) Open(ctx context.Context, call *Call) (*upstream.Stream, error) {
	stream, err := g.client.Stream(ctx, call.Target.URL, call.Payload)
	if err != nil {
		g.record(call, err)
		return nil, err
	}
	g.commit(ctx, call, true)
	return stream, nil
}

// commit never fails the request: the upstream already answered.
func (g *Gateway) commit(ctx context.Context, call *Call, stream bool) {
	latency := time.Since(call.started)
	g.record(call, nil)
	slog.Info("generate forwarded",
		"upstream", call.Target.Key,
		"model", call.Target.Model,
		"stream", stream,
		"metered", call.Metered(),
		"latency_ms", latency.Milliseconds(),
	)
	if !call.Metered() {
		return
	}

	meta := quota.EventMeta{Stream: stream, Upstream: call.Target.Key, Model: call.Target.Model, Latency: latency}
	if err := g.ledger.Commit(context.WithoutCancel(ctx), call.Identity, meta); err != nil {
		slog.Error("failed to commit usage",
			"identity_id", call.Identity.ID,
			"upstream", call.Target.Key,
			"error", err,
		)
	}
}

func (g *Gateway) record(call *Call, err error) {
	key := call.Target.Key
	if call.Target.FromFallback {
		key = "fallback"
	}
	outcome := "forwarded"
	var rejected *upstream.RejectedError
	switch {
	case errors.As(err, &rejected):
		outcome = "rejected"
	case err != nil:
		outcome = "unavailable"
	}
	generateTotal.WithLabelValues(key, outcome).Inc()
}

// WrapPrompt applies the system directive deterministically.
func WrapPrompt(directive, prompt string) string {
	if directive == "" {
		return prompt
	}
	return "[System]\n" + directive + "\n\n[User]\n" + prompt + "\n\n[Assistant]"
}
