// Package identity adapts the external identity provider behind a small
// capability interface and publishes its session lifecycle events.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoSession means nobody is signed in. It is an expected outcome, not a fault.
	ErrNoSession = errors.New("no authenticated session")
	// ErrAlreadyAuthenticated is returned by SignIn while a session is held.
	ErrAlreadyAuthenticated = errors.New("user already authenticated")
	// ErrInvalidCredentials covers unknown users and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotConfirmed is returned when the account still awaits confirmation.
	ErrUserNotConfirmed = errors.New("user is not confirmed")
	// ErrUsernameExists is returned by SignUp for an already registered identifier.
	ErrUsernameExists = errors.New("username already exists")
	// ErrInvalidPassword is returned when the password violates the provider policy.
	ErrInvalidPassword = errors.New("password does not satisfy policy")
	// ErrInvalidCode is returned by ConfirmSignUp for a wrong or expired code.
	ErrInvalidCode = errors.New("invalid confirmation code")
	// ErrRateLimited is returned when the provider throttles requests.
	ErrRateLimited = errors.New("too many requests")
	// ErrChallengeRequired is returned when sign-in needs an extra step this service does not support.
	ErrChallengeRequired = errors.New("additional sign-in challenge required")
	// ErrUnknown wraps any provider failure without a more specific mapping.
	ErrUnknown = errors.New("identity provider error")
)

// Credential is short-lived bearer material for the backend.
type Credential struct {
	Token       string
	AccessToken string
	Expiry      time.Time
	Subject     string
	Email       string
}

// SignUpResult describes the account created by SignUp.
type SignUpResult struct {
	Subject       string
	UserConfirmed bool
	Destination   string
}

// Gateway is the capability contract consumed from the identity provider.
type Gateway interface {
	// CurrentSession returns a valid credential, refreshing it when needed.
	// It fails with ErrNoSession when nobody is signed in.
	CurrentSession(ctx context.Context) (Credential, error)
	SignIn(ctx context.Context, username, password string) error
	// SignUp creates an unconfirmed account that needs ConfirmSignUp.
	SignUp(ctx context.Context, username, password string, attributes map[string]string) (SignUpResult, error)
	ConfirmSignUp(ctx context.Context, username, code string) error
	SignOut(ctx context.Context) error
	// Subscribe registers fn for lifecycle events. The returned func releases
	// the registration and is safe to call more than once.
	Subscribe(fn Handler) (unsubscribe func())
}

// Attribute names understood by the providers.
const (
	AttributeEmail    = "email"
	AttributeFullName = "custom:full_name"
)
