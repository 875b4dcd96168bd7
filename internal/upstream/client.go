// Package upstream talks to inference backends over HTTP.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Sentinel errors for upstream transport failures.
var (
	ErrUnavailable = errors.New("upstream unavailable")
	ErrTimeout     = errors.New("upstream timeout")
)

const maxLineSize = 4 << 20

// RejectedError is a non-2xx answer from the upstream, kept verbatim so it can
// be passed through to the caller.
type RejectedError struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("upstream rejected request: status %d", e.StatusCode)
}

// Payload is the generation request sent to the backend.
type Payload struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images,omitempty"`
	Stream bool     `json:"stream"`
}

// Response is a successful non-streaming answer.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Client is the interface for calling an inference backend.
type Client interface {
	Generate(ctx context.Context, baseURL string, p Payload) (*Response, error)
	Stream(ctx context.Context, baseURL string, p Payload) (*Stream, error)
	Probe(ctx context.Context, baseURL string) (int, error)
}

// HTTPClient implements Client. Streams use a client without an overall
// deadline; cancellation comes from the request context.
type HTTPClient struct {
	client    *http.Client
	streaming *http.Client
	probe     *http.Client
}

// NewHTTPClient creates a client with a bounded timeout for generation calls and
// a shorter one for health probes.
func NewHTTPClient(timeout, probeTimeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client:    &http.Client{Timeout: timeout},
		streaming: &http.Client{},
		probe:     &http.Client{Timeout: probeTimeout},
	}
}

func (c *HTTPClient) Generate(ctx context.Context, baseURL string, p Payload) (*Response, error) {
	p.Stream = false
	resp, err := c.post(ctx, c.client, baseURL, p)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RejectedError{StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: body}
	}
	return &Response{StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: body}, nil
}

// Stream opens a streaming generation. The caller must Close the returned Stream.
func (c *HTTPClient) Stream(ctx context.Context, baseURL string, p Payload) (*Stream, error) {
	p.Stream = true
	resp, err := c.post(ctx, c.streaming, baseURL, p)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxLineSize))
		return nil, &RejectedError{StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: body}
	}

	return NewStream(resp.Body, resp.Header.Get("Content-Type")), nil
}

// Probe issues GET {baseURL}/health and returns the status code.
func (c *HTTPClient) Probe(ctx context.Context, baseURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		return 0, classifyError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (c *HTTPClient) post(ctx context.Context, hc *http.Client, baseURL string, p Payload) (*http.Response, error) {
	buf, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/generate", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

// Stream relays an upstream body line by line.
type Stream struct {
	ContentType string
	body        io.ReadCloser
	scanner     *bufio.Scanner
}

// NewStream wraps an open response body.
func NewStream(body io.ReadCloser, contentType string) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Stream{ContentType: contentType, body: body, scanner: scanner}
}

// Next returns the next non-empty line, or false at end of stream or on error.
// The slice is only valid until the following call.
func (s *Stream) Next() ([]byte, bool) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, true
	}
	return nil, false
}

// Err reports the first non-EOF error encountered by Next.
func (s *Stream) Err() error {
	if err := s.scanner.Err(); err != nil {
		return classifyError(err)
	}
	return nil
}

func (s *Stream) Close() error {
	return s.body.Close()
}

// classifyError maps transport-level errors to sentinel errors. Timeouts wrap
// both ErrTimeout and ErrUnavailable.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %v", ErrUnavailable, ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w: %v", ErrUnavailable, ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
