package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"align/internal/identity"
)

type credentialStub struct {
	mu             sync.Mutex
	calls          int
	currentSession func(ctx context.Context) (identity.Credential, error)
}

func (s *credentialStub) CurrentSession(ctx context.Context) (identity.Credential, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.currentSession(ctx)
}

func (s *credentialStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func signedIn(token string) *credentialStub {
	return &credentialStub{currentSession: func(context.Context) (identity.Credential, error) {
		return identity.Credential{Token: token}, nil
	}}
}

func signedOut() *credentialStub {
	return &credentialStub{currentSession: func(context.Context) (identity.Credential, error) {
		return identity.Credential{}, identity.ErrNoSession
	}}
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	fetches  []bool
}

func (r *outcomeRecorder) RecordCredential(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *outcomeRecorder) RecordProfileFetch(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches = append(r.fetches, success)
}

func (*outcomeRecorder) RecordSessionTransition(string)     {}
func (*outcomeRecorder) RecordAuthOperation(string, string) {}
func (*outcomeRecorder) RecordUpload(string, time.Duration) {}

func TestPrepareAttachesBearerToken(t *testing.T) {
	rec := &outcomeRecorder{}
	p := NewPipeline(signedIn("tok-123"), WithPipelineMetrics(rec))
	req := httptest.NewRequest(http.MethodGet, "http://backend/users/me/", nil)

	out, err := p.Prepare(req)
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	if got := out.Header.Get("Authorization"); got != "Bearer tok-123" {
		t.Fatalf("unexpected Authorization header %q", got)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatal("expected the original request to stay untouched")
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "attached" {
		t.Fatalf("unexpected outcomes %v", rec.outcomes)
	}
}

func TestPrepareForwardsWithoutSession(t *testing.T) {
	rec := &outcomeRecorder{}
	p := NewPipeline(signedOut(), WithPipelineMetrics(rec))
	req := httptest.NewRequest(http.MethodGet, "http://backend/users/me/", nil)
	req.Header.Set("Authorization", "Bearer stale")

	out, err := p.Prepare(req)
	if err != nil {
		t.Fatalf("expected no error without a session, got %v", err)
	}
	if got := out.Header.Get("Authorization"); got != "" {
		t.Fatalf("expected no Authorization header, got %q", got)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "anonymous" {
		t.Fatalf("unexpected outcomes %v", rec.outcomes)
	}
}

func TestPrepareFailsOnUnexpectedCredentialError(t *testing.T) {
	boom := errors.New("keychain locked")
	source := &credentialStub{currentSession: func(context.Context) (identity.Credential, error) {
		return identity.Credential{}, boom
	}}
	p := NewPipeline(source)

	_, err := p.Prepare(httptest.NewRequest(http.MethodGet, "http://backend/users/me/", nil))
	if !errors.Is(err, ErrCredentialResolutionFailed) {
		t.Fatalf("expected ErrCredentialResolutionFailed, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected the cause to be preserved, got %v", err)
	}
}

func TestPrepareBoundsCredentialLookup(t *testing.T) {
	source := &credentialStub{currentSession: func(ctx context.Context) (identity.Credential, error) {
		<-ctx.Done()
		return identity.Credential{}, ctx.Err()
	}}
	p := NewPipeline(source, WithCredentialTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := p.Prepare(httptest.NewRequest(http.MethodGet, "http://backend/users/me/", nil))
	if !errors.Is(err, ErrCredentialResolutionFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a deadline failure, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("credential lookup was not bounded")
	}
}

func TestPrepareResolvesOnEveryRequest(t *testing.T) {
	source := signedIn("tok")
	p := NewPipeline(source)

	for i := 0; i < 3; i++ {
		if _, err := p.Prepare(httptest.NewRequest(http.MethodGet, "http://backend/", nil)); err != nil {
			t.Fatalf("Prepare returned error: %v", err)
		}
	}
	if source.callCount() != 3 {
		t.Fatalf("expected a lookup per request, got %d", source.callCount())
	}
}

func TestTransportDoesNotSendOnResolutionFailure(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer server.Close()

	source := &credentialStub{currentSession: func(context.Context) (identity.Credential, error) {
		return identity.Credential{}, errors.New("boom")
	}}
	client := &http.Client{Transport: &Transport{Pipeline: NewPipeline(source)}}

	resp, err := client.Get(server.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected an error")
	}
	if !errors.Is(err, ErrCredentialResolutionFailed) {
		t.Fatalf("expected ErrCredentialResolutionFailed, got %v", err)
	}
	if hits != 0 {
		t.Fatalf("expected no request to reach the server, got %d", hits)
	}
}
