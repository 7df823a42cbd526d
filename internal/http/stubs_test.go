package http

import (
	"context"
	"io"
	"log/slog"
	"time"

	"align/internal/api"
	"align/internal/config"
	"align/internal/identity"
	"align/internal/session"
	"align/internal/upload"
)

type sessionStub struct {
	snapshot       func() session.Snapshot
	signIn         func(ctx context.Context, email, password string) error
	signOut        func(ctx context.Context) error
	refreshProfile func(ctx context.Context) (session.Snapshot, error)
	signUp         func(ctx context.Context, reg session.Registration) (identity.SignUpResult, error)
	confirmSignUp  func(ctx context.Context, email, code string) error
	addSkills      func(ctx context.Context, names []string) (session.Snapshot, error)
}

func (s *sessionStub) Snapshot() session.Snapshot {
	if s.snapshot != nil {
		return s.snapshot()
	}
	return session.Snapshot{State: session.StateUnauthenticated}
}

func (s *sessionStub) SignIn(ctx context.Context, email, password string) error {
	if s.signIn != nil {
		return s.signIn(ctx, email, password)
	}
	return nil
}

func (s *sessionStub) SignOut(ctx context.Context) error {
	if s.signOut != nil {
		return s.signOut(ctx)
	}
	return nil
}

func (s *sessionStub) RefreshProfile(ctx context.Context) (session.Snapshot, error) {
	if s.refreshProfile != nil {
		return s.refreshProfile(ctx)
	}
	return s.Snapshot(), nil
}

func (s *sessionStub) SignUp(ctx context.Context, reg session.Registration) (identity.SignUpResult, error) {
	if s.signUp != nil {
		return s.signUp(ctx, reg)
	}
	return identity.SignUpResult{}, nil
}

func (s *sessionStub) ConfirmSignUp(ctx context.Context, email, code string) error {
	if s.confirmSignUp != nil {
		return s.confirmSignUp(ctx, email, code)
	}
	return nil
}

func (s *sessionStub) AddSkills(ctx context.Context, names []string) (session.Snapshot, error) {
	if s.addSkills != nil {
		return s.addSkills(ctx, names)
	}
	return s.Snapshot(), nil
}

type jobsStub struct {
	listJobs func(ctx context.Context, skip, limit int) ([]api.Job, error)
}

func (s *jobsStub) ListJobs(ctx context.Context, skip, limit int) ([]api.Job, error) {
	if s.listJobs != nil {
		return s.listJobs(ctx, skip, limit)
	}
	return []api.Job{}, nil
}

type resumeStub struct {
	selected  []upload.File
	submitted int
	cleared   int
}

func (s *resumeStub) Snapshot() upload.Snapshot {
	return upload.Snapshot{Status: upload.StatusIdle, Skills: []string{}}
}

func (s *resumeStub) SelectFile(file upload.File) upload.Snapshot {
	s.selected = append(s.selected, file)
	return upload.Snapshot{Status: upload.StatusSelected, File: &upload.FileInfo{Name: file.Name, Size: file.Size, ContentType: file.ContentType}}
}

func (s *resumeStub) Submit(context.Context) upload.Snapshot {
	s.submitted++
	return upload.Snapshot{Status: upload.StatusSucceeded, Skills: []string{"Python", "SQL"}}
}

func (s *resumeStub) Clear() upload.Snapshot {
	s.cleared++
	return upload.Snapshot{Status: upload.StatusIdle, Skills: []string{}}
}

func testConfig() config.Config {
	return config.Config{
		Environment:       "development",
		AllowedOrigins:    []string{"http://localhost:5173"},
		UploadTimeout:     time.Minute,
		CredentialTimeout: 5 * time.Second,
		AuthRatePerMinute: 100,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeps(s *sessionStub) Dependencies {
	return Dependencies{
		Session: s,
		Jobs:    &jobsStub{},
		Resume:  &resumeStub{},
		Routes:  NewRouteTracker(),
	}
}
