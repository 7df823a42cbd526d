package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"align/internal/api"
	"align/internal/identity"
	"align/internal/session"
)

// User-facing authentication messages.
const (
	msgLoginFailed      = "Failed to login. Please check your credentials."
	msgLoginMissing     = "Please provide both an email and a password."
	msgProfileSync      = "Could not sync your profile. Please try again."
	msgEmailRegistered  = "Email already registered. Try signing in"
	msgRegisterFailed   = "Failed to register. Please try again later."
	msgPasswordTooShort = "Password must be at least 6 characters long."
	msgRegisterMissing  = "Please provide an email and a password."
	msgConfirmMissing   = "Please provide both an email and the verification code."
	msgConfirmFailed    = "Failed to confirm account. Please try again."
	msgSignOutFailed    = "Failed to sign out. Please try again."
	msgSkillsFailed     = "Could not update your skills. Please try again."
	msgServiceStopping  = "service is shutting down"
	minRegisterPassword = 6
)

// SessionService is the session surface exposed to the browser.
type SessionService interface {
	Snapshot() session.Snapshot
	SignIn(ctx context.Context, email, password string) error
	SignOut(ctx context.Context) error
	RefreshProfile(ctx context.Context) (session.Snapshot, error)
	SignUp(ctx context.Context, reg session.Registration) (identity.SignUpResult, error)
	ConfirmSignUp(ctx context.Context, email, code string) error
	AddSkills(ctx context.Context, names []string) (session.Snapshot, error)
}

// SessionHandler exposes sign-in, sign-up and profile endpoints.
type SessionHandler struct {
	session SessionService
	routes  *RouteTracker
	logger  *slog.Logger
}

// NewSessionHandler returns a handler backed by svc.
func NewSessionHandler(svc SessionService, routes *RouteTracker, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{session: svc, routes: routes, logger: logger}
}

type sessionResponse struct {
	session.Snapshot
	Location string `json:"location,omitempty"`
}

func (h *SessionHandler) respond(w http.ResponseWriter, status int, snap session.Snapshot) {
	writeJSON(w, status, sessionResponse{Snapshot: snap, Location: h.routes.Location()})
}

func isStopping(err error) bool {
	return errors.Is(err, session.ErrClosed) || errors.Is(err, session.ErrNotStarted)
}

// Status returns the current session.
func (h *SessionHandler) Status(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, h.session.Snapshot())
}

// Login signs the student in and returns the settled session.
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSONBody(w, r, &payload); err != nil {
		writeJSONError(w, err)
		return
	}
	email := strings.TrimSpace(payload.Email)
	if email == "" || payload.Password == "" {
		writeError(w, http.StatusBadRequest, msgLoginMissing)
		return
	}

	err := h.session.SignIn(r.Context(), email, payload.Password)
	switch {
	case err == nil:
		h.respond(w, http.StatusOK, h.session.Snapshot())
	case errors.Is(err, session.ErrProfileSync):
		h.logger.Warn("sign in profile sync failed", "error", err)
		writeError(w, http.StatusBadGateway, msgProfileSync)
	case errors.Is(err, identity.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, msgLoginFailed)
	case isStopping(err):
		writeError(w, http.StatusServiceUnavailable, msgServiceStopping)
	default:
		h.logger.Info("sign in failed", "error", err)
		writeError(w, http.StatusUnauthorized, msgLoginFailed)
	}
}

// Logout signs the student out.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.session.SignOut(r.Context()); err != nil {
		if isStopping(err) {
			writeError(w, http.StatusServiceUnavailable, msgServiceStopping)
			return
		}
		h.logger.Error("sign out failed", "error", err)
		writeError(w, http.StatusInternalServerError, msgSignOutFailed)
		return
	}
	h.respond(w, http.StatusOK, h.session.Snapshot())
}

// Refresh re-fetches the profile.
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	snap, err := h.session.RefreshProfile(r.Context())
	switch {
	case err == nil:
		h.respond(w, http.StatusOK, snap)
	case isStopping(err):
		writeError(w, http.StatusServiceUnavailable, msgServiceStopping)
	case errors.Is(err, session.ErrSuperseded):
		h.respond(w, http.StatusOK, h.session.Snapshot())
	default:
		writeError(w, http.StatusBadGateway, msgProfileSync)
	}
}

// Register creates an account awaiting confirmation.
func (h *SessionHandler) Register(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		FullName string `json:"full_name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSONBody(w, r, &payload); err != nil {
		writeJSONError(w, err)
		return
	}
	email := strings.TrimSpace(payload.Email)
	if email == "" || payload.Password == "" {
		writeError(w, http.StatusBadRequest, msgRegisterMissing)
		return
	}
	if len(payload.Password) < minRegisterPassword {
		writeError(w, http.StatusBadRequest, msgPasswordTooShort)
		return
	}

	res, err := h.session.SignUp(r.Context(), session.Registration{
		FullName: strings.TrimSpace(payload.FullName),
		Email:    email,
		Password: payload.Password,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]any{
			"userConfirmed": res.UserConfirmed,
			"destination":   res.Destination,
			"location":      h.routes.Location(),
		})
	case errors.Is(err, identity.ErrUsernameExists):
		writeError(w, http.StatusConflict, msgEmailRegistered)
	case errors.Is(err, identity.ErrInvalidPassword):
		writeError(w, http.StatusBadRequest, msgRegisterFailed)
	case errors.Is(err, identity.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, msgRegisterFailed)
	default:
		h.logger.Error("sign up failed", "error", err)
		writeError(w, http.StatusBadGateway, msgRegisterFailed)
	}
}

// Confirm confirms a registration with its emailed code.
func (h *SessionHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := decodeJSONBody(w, r, &payload); err != nil {
		writeJSONError(w, err)
		return
	}
	email := strings.TrimSpace(payload.Email)
	code := strings.TrimSpace(payload.Code)
	if email == "" || code == "" {
		writeError(w, http.StatusBadRequest, msgConfirmMissing)
		return
	}

	err := h.session.ConfirmSignUp(r.Context(), email, code)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"location": h.routes.Location()})
		return
	}

	message := identity.ProviderMessage(err)
	if message == "" {
		message = msgConfirmFailed
	}
	if errors.Is(err, identity.ErrInvalidCode) {
		writeError(w, http.StatusBadRequest, message)
		return
	}
	h.logger.Warn("confirm sign up failed", "error", err)
	writeError(w, http.StatusBadGateway, message)
}

// Profile returns the signed-in user.
func (h *SessionHandler) Profile(w http.ResponseWriter, _ *http.Request) {
	snap := h.session.Snapshot()
	if !snap.Authenticated {
		unauthorized(w)
		return
	}
	writeJSON(w, http.StatusOK, snap.User)
}

// AddSkills attaches skills to the signed-in user.
func (h *SessionHandler) AddSkills(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Skills []string `json:"skills"`
	}
	if err := decodeJSONBody(w, r, &payload); err != nil {
		writeJSONError(w, err)
		return
	}
	names := make([]string, 0, len(payload.Skills))
	for _, s := range payload.Skills {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	if len(names) == 0 {
		writeError(w, http.StatusBadRequest, "skills must not be empty")
		return
	}

	snap, err := h.session.AddSkills(r.Context(), names)
	var perr *api.ProfileError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, snap.User)
	case errors.Is(err, session.ErrNotAuthenticated), errors.As(err, &perr) && perr.Unauthorized():
		unauthorized(w)
	case isStopping(err):
		writeError(w, http.StatusServiceUnavailable, msgServiceStopping)
	default:
		h.logger.Warn("add skills failed", "error", err)
		writeError(w, http.StatusBadGateway, msgSkillsFailed)
	}
}
