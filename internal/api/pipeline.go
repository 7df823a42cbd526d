// Package api talks to the backend user API through a bearer-token pipeline.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"align/internal/identity"
	"align/internal/metrics"
)

// ErrCredentialResolutionFailed is returned when a credential lookup fails for
// a reason other than the absence of a session. The request is not sent.
var ErrCredentialResolutionFailed = errors.New("credential resolution failed")

// CredentialSource resolves the current credential. identity.Gateway satisfies it.
type CredentialSource interface {
	CurrentSession(ctx context.Context) (identity.Credential, error)
}

// Pipeline attaches the current bearer token to outgoing requests.
type Pipeline struct {
	source  CredentialSource
	timeout time.Duration
	logger  *slog.Logger
	metrics metrics.Recorder
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithCredentialTimeout bounds each credential lookup.
func WithCredentialTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPipelineLogger sets the pipeline logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPipelineMetrics records credential outcomes on r.
func WithPipelineMetrics(r metrics.Recorder) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = metrics.OrNop(r)
	}
}

// NewPipeline constructs a Pipeline reading credentials from source.
func NewPipeline(source CredentialSource, opts ...PipelineOption) *Pipeline {
	if source == nil {
		panic("api: nil credential source")
	}
	p := &Pipeline{
		source:  source,
		timeout: 5 * time.Second,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prepare returns a copy of req carrying the current credential.
// Without a session the copy is forwarded unauthenticated.
func (p *Pipeline) Prepare(req *http.Request) (*http.Request, error) {
	ctx := req.Context()
	resolveCtx, cancel := context.WithTimeout(ctx, p.timeout)
	cred, err := p.source.CurrentSession(resolveCtx)
	cancel()

	out := req.Clone(ctx)
	switch {
	case err == nil && cred.Token != "":
		out.Header.Set("Authorization", "Bearer "+cred.Token)
		p.metrics.RecordCredential(metrics.CredentialAttached)
	case err == nil, errors.Is(err, identity.ErrNoSession):
		out.Header.Del("Authorization")
		p.logger.Debug("no session, forwarding unauthenticated", "method", req.Method, "path", req.URL.Path)
		p.metrics.RecordCredential(metrics.CredentialAnonymous)
	default:
		p.metrics.RecordCredential(metrics.CredentialFailed)
		p.logger.Warn("credential lookup failed", "method", req.Method, "path", req.URL.Path, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrCredentialResolutionFailed, err)
	}
	return out, nil
}

// Transport is an http.RoundTripper that runs every request through a Pipeline.
type Transport struct {
	Pipeline *Pipeline
	Base     http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	prepared, err := t.Pipeline.Prepare(req)
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(prepared)
}
