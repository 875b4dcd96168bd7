// Package handler holds the HTTP handlers for the public generate endpoint and
// the admin surfaces.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	mw "github.com/kiranshivaraju/tenantgate/internal/api/middleware"
	"github.com/kiranshivaraju/tenantgate/internal/api/response"
	"github.com/kiranshivaraju/tenantgate/internal/authz"
	"github.com/kiranshivaraju/tenantgate/internal/gateway"
	"github.com/kiranshivaraju/tenantgate/internal/upstream"
)

const maxGenerateBody = 32 << 20

// Gateway is the pipeline the generate handler drives.
type Gateway interface {
	Prepare(ctx context.Context, cred authz.Credential, req gateway.GenerateRequest) (*gateway.Call, error)
	Forward(ctx context.Context, call *gateway.Call) (*upstream.Response, error)
	Open(ctx context.Context, call *gateway.Call) (*upstream.Stream, error)
}

// NewGenerateHandler returns an http.HandlerFunc for POST /api/generate.
// Successful answers are the upstream body, not the envelope.
func NewGenerateHandler(gw Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gateway.GenerateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGenerateBody)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		call, err := gw.Prepare(r.Context(), mw.GetCredential(r), req)
		if err != nil {
			response.FromError(w, err)
			return
		}

		if !req.Stream {
			resp, err := gw.Forward(r.Context(), call)
			if err != nil {
				response.FromError(w, err)
				return
			}
			response.Raw(w, http.StatusOK, resp.ContentType, resp.Body)
			return
		}

		stream, err := gw.Open(r.Context(), call)
		if err != nil {
			response.FromError(w, err)
			return
		}
		defer stream.Close()
		relay(w, r, stream)
	}
}

// relay copies stream lines to the client, flushing after each one. It stops
// when the client goes away; usage was already committed when the stream opened.
func relay(w http.ResponseWriter, r *http.Request, stream *upstream.Stream) {
	contentType := stream.ContentType
	if contentType == "" {
		contentType = "text/event-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	lines := 0
	for {
		if r.Context().Err() != nil {
			slog.Info("client disconnected during stream", "lines_relayed", lines)
			return
		}
		line, ok := stream.Next()
		if !ok {
			break
		}
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			slog.Info("stream write failed", "lines_relayed", lines, "error", err)
			return
		}
		if err := rc.Flush(); err != nil {
			slog.Debug("flush not supported", "error", err)
		}
		lines++
	}
	if err := stream.Err(); err != nil {
		slog.Warn("upstream stream ended with error", "lines_relayed", lines, "error", err)
	}
}
