package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"align/internal/metrics"
)

// ErrJobsUnavailable is returned when the job listing cannot be loaded.
var ErrJobsUnavailable = errors.New("jobs unavailable")

// JobsUnavailableMessage is the user-facing text for ErrJobsUnavailable.
const JobsUnavailableMessage = "Failed to fetch jobs. Please try again later."

// ProfileError describes a failed profile call. Status is zero when no
// response was received.
type ProfileError struct {
	Op     string
	Status int
	Err    error
}

func (e *ProfileError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: backend returned status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProfileError) Unwrap() error {
	return e.Err
}

// Unauthorized reports whether the backend refused the credential.
func (e *ProfileError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Client calls the backend user API.
type Client struct {
	baseURL string
	authed  *http.Client
	public  *http.Client
	logger  *slog.Logger
	metrics metrics.Recorder
}

// Option configures the Client during construction.
type Option func(*clientOptions)

type clientOptions struct {
	timeout time.Duration
	base    http.RoundTripper
	logger  *slog.Logger
	metrics metrics.Recorder
}

// WithTimeout bounds every backend request.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBaseTransport overrides the transport beneath the pipeline.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) {
		o.base = rt
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records profile fetch outcomes on r.
func WithMetrics(r metrics.Recorder) Option {
	return func(o *clientOptions) {
		o.metrics = metrics.OrNop(r)
	}
}

// NewClient constructs a Client for the user API at baseURL. Authenticated
// calls go through pipeline.
func NewClient(baseURL string, pipeline *Pipeline, opts ...Option) *Client {
	if pipeline == nil {
		panic("api: nil pipeline")
	}

	o := clientOptions{
		timeout: 10 * time.Second,
		base:    http.DefaultTransport,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		authed: &http.Client{
			Timeout:   o.timeout,
			Transport: &Transport{Pipeline: pipeline, Base: o.base},
		},
		public:  &http.Client{Timeout: o.timeout, Transport: o.base},
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// FetchProfile loads the signed-in user's profile. Every failure is a *ProfileError.
func (c *Client) FetchProfile(ctx context.Context) (User, error) {
	user, err := c.profileCall(ctx, "fetch profile", http.MethodGet, "/users/me/", nil)
	c.metrics.RecordProfileFetch(err == nil)
	return user, err
}

type skillCreate struct {
	Name string `json:"name"`
}

// AddSkills attaches skills to the signed-in user and returns the updated profile.
func (c *Client) AddSkills(ctx context.Context, names []string) (User, error) {
	payload := make([]skillCreate, 0, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			payload = append(payload, skillCreate{Name: trimmed})
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return User{}, &ProfileError{Op: "add skills", Err: err}
	}
	return c.profileCall(ctx, "add skills", http.MethodPost, "/users/me/skills/", body)
}

func (c *Client) profileCall(ctx context.Context, op, method, path string, body []byte) (User, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return User{}, &ProfileError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.authed.Do(req)
	if err != nil {
		c.logger.Warn("user api request failed", "op", op, "error", err)
		return User{}, &ProfileError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.logger.Info("user api rejected request", "op", op, "status", resp.StatusCode)
		return User{}, &ProfileError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return User{}, &ProfileError{Op: op, Err: fmt.Errorf("decode profile: %w", err)}
	}
	if err := user.validate(); err != nil {
		return User{}, &ProfileError{Op: op, Err: fmt.Errorf("malformed profile: %w", err)}
	}
	return user, nil
}

// ListJobs returns a page of job listings. The endpoint is public, so no
// credential is attached.
func (c *Client) ListJobs(ctx context.Context, skip, limit int) ([]Job, error) {
	endpoint, err := url.Parse(c.baseURL + "/jobs/")
	if err != nil {
		return nil, fmt.Errorf("build jobs url: %w", err)
	}
	values := url.Values{}
	values.Set("skip", strconv.Itoa(skip))
	values.Set("limit", strconv.Itoa(limit))
	endpoint.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create jobs request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.public.Do(req)
	if err != nil {
		c.logger.Warn("jobs request failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrJobsUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.logger.Warn("jobs request rejected", "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: status %d", ErrJobsUnavailable, resp.StatusCode)
	}

	var jobs []Job
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrJobsUnavailable, err)
	}
	if jobs == nil {
		jobs = []Job{}
	}
	return jobs, nil
}
