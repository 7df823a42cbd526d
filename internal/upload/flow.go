// Package upload runs the resume upload-and-parse flow against the parser service.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"align/internal/api"
	"align/internal/identity"
	"align/internal/metrics"
)

// Status is the lifecycle position of the pending upload.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSelected  Status = "selected"
	StatusParsing   Status = "parsing"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// FailureKind classifies a failed submission.
type FailureKind string

const (
	FailureNoSession   FailureKind = "no_session"
	FailureRejected    FailureKind = "rejected"
	FailureUnreachable FailureKind = "unreachable"
	FailureMalformed   FailureKind = "malformed"
)

// User-facing failure messages.
const (
	NoSessionMessage   = "Could not find a valid session. Please log in again."
	RejectedMessage    = "Something went wrong"
	UnreachableMessage = "Could not reach the resume parser. Please try again."
	MalformedMessage   = "The resume parser returned an unexpected response."
)

const maxResponseBytes = 1 << 20

// Failure describes why a submission failed.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// FileInfo describes the selected file.
type FileInfo struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// Snapshot is a read-only copy of the pending upload.
type Snapshot struct {
	ID             uuid.UUID `json:"id"`
	Status         Status    `json:"status"`
	File           *FileInfo `json:"file,omitempty"`
	Skills         []string  `json:"skills"`
	StoredFilename string    `json:"storedFilename,omitempty"`
	StoredURL      string    `json:"storedUrl,omitempty"`
	Failure        *Failure  `json:"failure,omitempty"`
}

type pending struct {
	id         uuid.UUID
	status     Status
	file       *File
	submitting bool
	skills     []string
	storedName string
	storedURL  string
	failure    *Failure
}

// Flow owns the single pending upload.
type Flow struct {
	endpoint          string
	credentials       api.CredentialSource
	client            *http.Client
	credentialTimeout time.Duration
	logger            *slog.Logger
	metrics           metrics.Recorder
	now               func() time.Time

	mu    sync.Mutex
	state pending
}

// Option configures a Flow.
type Option func(*Flow)

// WithHTTPClient overrides the client used for uploads.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Flow) {
		if client != nil {
			f.client = client
		}
	}
}

// WithCredentialTimeout bounds the credential lookup before each submission.
func WithCredentialTimeout(d time.Duration) Option {
	return func(f *Flow) {
		if d > 0 {
			f.credentialTimeout = d
		}
	}
}

// WithLogger sets the flow logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Flow) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetrics records upload outcomes on r.
func WithMetrics(r metrics.Recorder) Option {
	return func(f *Flow) {
		f.metrics = metrics.OrNop(r)
	}
}

// NewFlow constructs a Flow posting to the parser at parserURL.
func NewFlow(parserURL string, credentials api.CredentialSource, opts ...Option) *Flow {
	if credentials == nil {
		panic("upload: nil credential source")
	}
	f := &Flow{
		endpoint:          strings.TrimRight(parserURL, "/") + "/upload-resume/",
		credentials:       credentials,
		client:            &http.Client{Timeout: 60 * time.Second},
		credentialTimeout: 5 * time.Second,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:           metrics.Nop{},
		now:               time.Now,
		state:             pending{status: StatusIdle},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Snapshot returns a copy of the pending upload.
func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *Flow) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:             f.state.id,
		Status:         f.state.status,
		Skills:         append([]string{}, f.state.skills...),
		StoredFilename: f.state.storedName,
		StoredURL:      f.state.storedURL,
	}
	if f.state.file != nil {
		s.File = &FileInfo{Name: f.state.file.Name, Size: f.state.file.Size, ContentType: f.state.file.ContentType}
	}
	if f.state.failure != nil {
		failure := *f.state.failure
		s.Failure = &failure
	}
	return s
}

// SelectFile replaces any pending upload with file.
func (f *Flow) SelectFile(file File) Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = pending{id: uuid.New(), status: StatusSelected, file: &file}
	return f.snapshotLocked()
}

// Clear discards the pending upload.
func (f *Flow) Clear() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = pending{status: StatusIdle}
	return f.snapshotLocked()
}

// Submit uploads the selected file and waits for the parse result. It is a
// no-op unless a file is selected and no submission is under way.
func (f *Flow) Submit(ctx context.Context) Snapshot {
	f.mu.Lock()
	if f.state.status != StatusSelected || f.state.submitting {
		defer f.mu.Unlock()
		return f.snapshotLocked()
	}
	f.state.submitting = true
	id := f.state.id
	file := *f.state.file
	f.mu.Unlock()

	credCtx, cancel := context.WithTimeout(ctx, f.credentialTimeout)
	cred, err := f.credentials.CurrentSession(credCtx)
	cancel()
	if err == nil && cred.Token == "" {
		err = identity.ErrNoSession
	}

	f.mu.Lock()
	if f.state.id != id {
		defer f.mu.Unlock()
		return f.snapshotLocked()
	}
	f.state.submitting = false
	if err != nil {
		if !errors.Is(err, identity.ErrNoSession) {
			f.logger.Warn("credential lookup failed before upload", "error", err)
		}
		f.state.status = StatusFailed
		f.state.failure = &Failure{Kind: FailureNoSession, Message: NoSessionMessage}
		f.metrics.RecordUpload(string(FailureNoSession), 0)
		defer f.mu.Unlock()
		return f.snapshotLocked()
	}
	f.state.status = StatusParsing
	f.mu.Unlock()

	start := f.now()
	res, failure := f.send(ctx, cred.Token, file)
	elapsed := f.now().Sub(start)

	outcome := string(StatusSucceeded)
	if failure != nil {
		outcome = string(failure.Kind)
	}
	f.metrics.RecordUpload(outcome, elapsed)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.id != id || f.state.status != StatusParsing {
		f.logger.Debug("discarding stale parse result", "upload_id", id)
		return f.snapshotLocked()
	}
	if failure != nil {
		f.logger.Info("resume parse failed", "upload_id", id, "kind", failure.Kind, "message", failure.Message)
		f.state.status = StatusFailed
		f.state.failure = failure
		return f.snapshotLocked()
	}
	f.logger.Info("resume parsed", "upload_id", id, "skills", len(res.Skills), "duration", elapsed)
	f.state.status = StatusSucceeded
	f.state.skills = res.Skills
	f.state.storedName = res.Filename
	f.state.storedURL = res.StoredURL
	return f.snapshotLocked()
}

type parseResponse struct {
	Filename  string    `json:"filename"`
	StoredURL string    `json:"s3_url"`
	Skills    *[]string `json:"extracted_skills"`
}

type parseResult struct {
	Filename  string
	StoredURL string
	Skills    []string
}

type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

func (f *Flow) send(ctx context.Context, token string, file File) (parseResult, *Failure) {
	body, contentType, err := multipartBody(file)
	if err != nil {
		f.logger.Warn("read resume failed", "file", file.Name, "error", err)
		return parseResult{}, &Failure{Kind: FailureUnreachable, Message: UnreachableMessage}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, body)
	if err != nil {
		return parseResult{}, &Failure{Kind: FailureUnreachable, Message: UnreachableMessage}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("resume parser unreachable", "error", err)
		return parseResult{}, &Failure{Kind: FailureUnreachable, Message: UnreachableMessage}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return parseResult{}, &Failure{Kind: FailureUnreachable, Message: UnreachableMessage}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseResult{}, &Failure{Kind: FailureRejected, Message: rejectionMessage(payload)}
	}

	var parsed parseResponse
	if err := json.Unmarshal(payload, &parsed); err != nil || parsed.Skills == nil {
		return parseResult{}, &Failure{Kind: FailureMalformed, Message: MalformedMessage}
	}
	return parseResult{
		Filename:  parsed.Filename,
		StoredURL: parsed.StoredURL,
		Skills:    append([]string{}, (*parsed.Skills)...),
	}, nil
}

// rejectionMessage prefers a string detail from the parser.
func rejectionMessage(payload []byte) string {
	var e errorResponse
	if err := json.Unmarshal(payload, &e); err != nil || len(e.Detail) == 0 {
		return RejectedMessage
	}
	var detail string
	if err := json.Unmarshal(e.Detail, &detail); err != nil || strings.TrimSpace(detail) == "" {
		return RejectedMessage
	}
	return detail
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func multipartBody(file File) (*bytes.Buffer, string, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(file.Name)))
	header.Set("Content-Type", file.ContentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, rc); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
