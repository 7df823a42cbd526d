package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"align/internal/api"
	"align/internal/identity"
	"align/internal/session"
)

func TestDecodeJSONBody_AllowsPayloadWithinLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/session", strings.NewReader(`{"email":"ada@example.com"}`))
	rec := httptest.NewRecorder()

	var dst map[string]string
	if err := decodeJSONBody(rec, req, &dst); err != nil {
		t.Fatalf("decodeJSONBody returned error: %v", err)
	}
	if dst["email"] != "ada@example.com" {
		t.Fatalf("expected key to be decoded, got %v", dst)
	}
}

func TestDecodeJSONBody_RejectsPayloadExceedingLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString(`{"data":"`)
	b.WriteString(strings.Repeat("a", int(maxJSONBodyBytes)))
	b.WriteString(`"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/session", strings.NewReader(b.String()))
	rec := httptest.NewRecorder()

	var dst map[string]string
	err := decodeJSONBody(rec, req, &dst)
	if !errors.Is(err, errPayloadTooLarge) {
		t.Fatalf("expected payload too large, got %v", err)
	}
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, message string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d (%s)", status, rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["error"]; got != message {
		t.Fatalf("expected error %q, got %v", message, got)
	}
}

func TestHealth(t *testing.T) {
	router := NewRouter(testConfig(), testDeps(&sessionStub{}), testLogger())
	rec := doJSON(t, router, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "ok" {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers")
	}
}

func TestSessionStatusIncludesLocation(t *testing.T) {
	deps := testDeps(&sessionStub{})
	deps.Routes.Navigate(session.RouteSignIn)
	router := NewRouter(testConfig(), deps, testLogger())

	body := decodeBody(t, doJSON(t, router, http.MethodGet, "/api/session", ""))
	if body["state"] != "unauthenticated" || body["isAuthenticated"] != false || body["location"] != "/login" {
		t.Fatalf("unexpected session body %v", body)
	}
}

func TestLoginOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		err     error
		status  int
		message string
	}{
		{"missing fields", `{"email":""}`, nil, http.StatusBadRequest, msgLoginMissing},
		{"bad credentials", `{"email":"a@b.c","password":"x"}`, &identity.ProviderError{Op: "sign in", Kind: identity.ErrInvalidCredentials}, http.StatusUnauthorized, msgLoginFailed},
		{"profile sync", `{"email":"a@b.c","password":"x"}`, session.ErrProfileSync, http.StatusBadGateway, msgProfileSync},
		{"throttled", `{"email":"a@b.c","password":"x"}`, identity.ErrRateLimited, http.StatusTooManyRequests, msgLoginFailed},
		{"closed", `{"email":"a@b.c","password":"x"}`, session.ErrClosed, http.StatusServiceUnavailable, msgServiceStopping},
		{"unknown field", `{"email":"a@b.c","password":"x","remember":true}`, nil, http.StatusBadRequest, "invalid request body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &sessionStub{signIn: func(context.Context, string, string) error { return tc.err }}
			router := NewRouter(testConfig(), testDeps(stub), testLogger())
			assertError(t, doJSON(t, router, http.MethodPost, "/api/session", tc.body), tc.status, tc.message)
		})
	}
}

func TestLoginSuccessReturnsSession(t *testing.T) {
	user := &api.User{ID: 1, Email: "ada@example.com"}
	signedIn := false
	stub := &sessionStub{
		signIn: func(_ context.Context, email, password string) error {
			if email != "ada@example.com" || password != "pw" {
				t.Fatalf("unexpected credentials %q %q", email, password)
			}
			signedIn = true
			return nil
		},
		snapshot: func() session.Snapshot {
			if !signedIn {
				return session.Snapshot{State: session.StateUnauthenticated}
			}
			return session.Snapshot{State: session.StateAuthenticated, Authenticated: true, User: user}
		},
	}
	router := NewRouter(testConfig(), testDeps(stub), testLogger())

	rec := doJSON(t, router, http.MethodPost, "/api/session", `{"email":" ada@example.com ","password":"pw"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["isAuthenticated"] != true {
		t.Fatalf("expected authenticated session, got %v", body)
	}
}

func TestLoginIsRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.AuthRatePerMinute = 2
	stub := &sessionStub{signIn: func(context.Context, string, string) error { return identity.ErrInvalidCredentials }}
	router := NewRouter(cfg, testDeps(stub), testLogger())

	for i := 0; i < 2; i++ {
		if rec := doJSON(t, router, http.MethodPost, "/api/session", `{"email":"a@b.c","password":"x"}`); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, rec.Code)
		}
	}
	rec := doJSON(t, router, http.MethodPost, "/api/session", `{"email":"a@b.c","password":"x"}`)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rec.Code)
	}
	if status := doJSON(t, router, http.MethodGet, "/api/session", "").Code; status != http.StatusOK {
		t.Fatalf("expected status reads to stay unthrottled, got %d", status)
	}
}

func TestLogout(t *testing.T) {
	stub := &sessionStub{signOut: func(context.Context) error { return errors.New("boom") }}
	router := NewRouter(testConfig(), testDeps(stub), testLogger())
	assertError(t, doJSON(t, router, http.MethodDelete, "/api/session", ""), http.StatusInternalServerError, msgSignOutFailed)

	stub.signOut = nil
	if rec := doJSON(t, router, http.MethodDelete, "/api/session", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRefresh(t *testing.T) {
	stub := &sessionStub{refreshProfile: func(context.Context) (session.Snapshot, error) {
		return session.Snapshot{State: session.StateUnauthenticated}, &api.ProfileError{Op: "fetch profile", Status: http.StatusUnauthorized}
	}}
	router := NewRouter(testConfig(), testDeps(stub), testLogger())
	assertError(t, doJSON(t, router, http.MethodPost, "/api/session/refresh", ""), http.StatusBadGateway, msgProfileSync)
}

func TestRegister(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		err     error
		status  int
		message string
	}{
		{"short password", `{"full_name":"A","email":"a@b.c","password":"12345"}`, nil, http.StatusBadRequest, msgPasswordTooShort},
		{"missing email", `{"password":"123456"}`, nil, http.StatusBadRequest, msgRegisterMissing},
		{"exists", `{"email":"a@b.c","password":"123456"}`, &identity.ProviderError{Op: "sign up", Kind: identity.ErrUsernameExists}, http.StatusConflict, msgEmailRegistered},
		{"provider failure", `{"email":"a@b.c","password":"123456"}`, errors.New("boom"), http.StatusBadGateway, msgRegisterFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &sessionStub{signUp: func(context.Context, session.Registration) (identity.SignUpResult, error) {
				return identity.SignUpResult{}, tc.err
			}}
			router := NewRouter(testConfig(), testDeps(stub), testLogger())
			assertError(t, doJSON(t, router, http.MethodPost, "/api/registrations", tc.body), tc.status, tc.message)
		})
	}
}

func TestRegisterSuccessReportsConfirmationRoute(t *testing.T) {
	deps := testDeps(nil)
	stub := &sessionStub{signUp: func(_ context.Context, reg session.Registration) (identity.SignUpResult, error) {
		if reg.FullName != "Ada Lovelace" || reg.Email != "ada@example.com" {
			t.Fatalf("unexpected registration %+v", reg)
		}
		deps.Routes.Navigate(session.ConfirmRoute(reg.Email))
		return identity.SignUpResult{Destination: "a***@example.com"}, nil
	}}
	deps.Session = stub
	router := NewRouter(testConfig(), deps, testLogger())

	rec := doJSON(t, router, http.MethodPost, "/api/registrations", `{"full_name":"Ada Lovelace","email":"ada@example.com","password":"123456"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["location"] != "/confirm-registration?email=ada%40example.com" || body["destination"] != "a***@example.com" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestConfirm(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		err     error
		status  int
		message string
	}{
		{"missing code", `{"email":"a@b.c"}`, nil, http.StatusBadRequest, msgConfirmMissing},
		{"invalid code", `{"email":"a@b.c","code":"1"}`, &identity.ProviderError{Op: "confirm sign up", Kind: identity.ErrInvalidCode, Message: "Invalid verification code provided, please try again."}, http.StatusBadRequest, "Invalid verification code provided, please try again."},
		{"other failure", `{"email":"a@b.c","code":"1"}`, errors.New("boom"), http.StatusBadGateway, msgConfirmFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &sessionStub{confirmSignUp: func(context.Context, string, string) error { return tc.err }}
			router := NewRouter(testConfig(), testDeps(stub), testLogger())
			assertError(t, doJSON(t, router, http.MethodPost, "/api/registrations/confirm", tc.body), tc.status, tc.message)
		})
	}
}

func TestProfile(t *testing.T) {
	stub := &sessionStub{}
	router := NewRouter(testConfig(), testDeps(stub), testLogger())
	if rec := doJSON(t, router, http.MethodGet, "/api/profile", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 while signed out, got %d", rec.Code)
	}

	stub.snapshot = func() session.Snapshot {
		return session.Snapshot{State: session.StateAuthenticated, Authenticated: true, User: &api.User{ID: 3, Email: "ada@example.com"}}
	}
	rec := doJSON(t, router, http.MethodGet, "/api/profile", "")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["email"] != "ada@example.com" {
		t.Fatalf("unexpected profile response %d", rec.Code)
	}
}

func TestAddSkills(t *testing.T) {
	var got []string
	stub := &sessionStub{addSkills: func(_ context.Context, names []string) (session.Snapshot, error) {
		got = names
		return session.Snapshot{}, session.ErrNotAuthenticated
	}}
	router := NewRouter(testConfig(), testDeps(stub), testLogger())

	if rec := doJSON(t, router, http.MethodPost, "/api/profile/skills", `{"skills":[" "]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty skills, got %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodPost, "/api/profile/skills", `{"skills":["Go"," SQL "]}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(got) != 2 || got[1] != "SQL" {
		t.Fatalf("unexpected skills %v", got)
	}
}

func TestJobsPaging(t *testing.T) {
	var skip, limit int
	deps := testDeps(&sessionStub{})
	deps.Jobs = &jobsStub{listJobs: func(_ context.Context, s, l int) ([]api.Job, error) {
		skip, limit = s, l
		return []api.Job{{ID: 1, Title: "Intern"}}, nil
	}}
	router := NewRouter(testConfig(), deps, testLogger())

	rec := doJSON(t, router, http.MethodGet, "/api/jobs", "")
	if rec.Code != http.StatusOK || skip != 0 || limit != defaultJobsLimit {
		t.Fatalf("unexpected defaults: status=%d skip=%d limit=%d", rec.Code, skip, limit)
	}
	doJSON(t, router, http.MethodGet, "/api/jobs?skip=40&limit=500", "")
	if skip != 40 || limit != maxJobsLimit {
		t.Fatalf("expected capped limit, got skip=%d limit=%d", skip, limit)
	}
	if rec := doJSON(t, router, http.MethodGet, "/api/jobs?skip=-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative skip, got %d", rec.Code)
	}
}

func TestJobsUnavailable(t *testing.T) {
	deps := testDeps(&sessionStub{})
	deps.Jobs = &jobsStub{listJobs: func(context.Context, int, int) ([]api.Job, error) {
		return nil, api.ErrJobsUnavailable
	}}
	router := NewRouter(testConfig(), deps, testLogger())
	assertError(t, doJSON(t, router, http.MethodGet, "/api/jobs", ""), http.StatusBadGateway, api.JobsUnavailableMessage)
}

func TestResumeEndpoints(t *testing.T) {
	resume := &resumeStub{}
	deps := testDeps(&sessionStub{})
	deps.Resume = resume
	router := NewRouter(testConfig(), deps, testLogger())

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "resume.pdf")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("%PDF"))
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPut, "/api/resume", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(resume.selected) != 1 || resume.selected[0].Name != "resume.pdf" || resume.selected[0].Size != 4 {
		t.Fatalf("unexpected selection %+v", resume.selected)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/resume/parse", "")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "succeeded" || resume.submitted != 1 {
		t.Fatalf("unexpected parse response %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodDelete, "/api/resume", ""); rec.Code != http.StatusOK || resume.cleared != 1 {
		t.Fatalf("unexpected clear response %d", rec.Code)
	}

	if rec := doJSON(t, router, http.MethodPut, "/api/resume", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without multipart body, got %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	deps := testDeps(&sessionStub{})
	deps.Metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("align_up 1\n"))
	})
	router := NewRouter(testConfig(), deps, testLogger())
	rec := doJSON(t, router, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "align_up") {
		t.Fatalf("unexpected metrics response %d", rec.Code)
	}
}

func TestDashboardAssetsFallBackToIndex(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>align</html>"), 0o600); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o600); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	cfg := testConfig()
	cfg.StaticDir = dir
	router := NewRouter(cfg, testDeps(&sessionStub{}), testLogger())

	if rec := doJSON(t, router, http.MethodGet, "/app.js", ""); !strings.Contains(rec.Body.String(), "console.log") {
		t.Fatalf("expected asset, got %q", rec.Body.String())
	}
	if rec := doJSON(t, router, http.MethodGet, "/login", ""); !strings.Contains(rec.Body.String(), "align") {
		t.Fatalf("expected index fallback, got %q", rec.Body.String())
	}
	if rec := doJSON(t, router, http.MethodGet, "/api/unknown", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected api 404, got %d", rec.Code)
	}
}
