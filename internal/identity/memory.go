package identity

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const memoryMinPasswordLength = 8

// MemoryAccount seeds an account into a MemoryGateway.
type MemoryAccount struct {
	Username   string
	Password   string
	Attributes map[string]string
	Confirmed  bool
}

type memoryAccount struct {
	MemoryAccount
	subject string
}

type memorySession struct {
	username string
	subject  string
	email    string
	token    string
	expiry   time.Time
}

// MemoryGateway is an in-process identity provider for local development and tests.
type MemoryGateway struct {
	hub        *Hub
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
	newCode    func() string

	mu       sync.Mutex
	accounts map[string]*memoryAccount
	codes    map[string]string
	current  *memorySession
}

// MemoryOption configures a MemoryGateway.
type MemoryOption func(*MemoryGateway)

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(ttl time.Duration) MemoryOption {
	return func(g *MemoryGateway) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(g *MemoryGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithCodeGenerator overrides how confirmation codes are generated.
func WithCodeGenerator(fn func() string) MemoryOption {
	return func(g *MemoryGateway) {
		if fn != nil {
			g.newCode = fn
		}
	}
}

// NewMemoryGateway constructs a gateway seeded with accounts.
func NewMemoryGateway(accounts []MemoryAccount, opts ...MemoryOption) *MemoryGateway {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("identity: generate signing key: %v", err))
	}

	g := &MemoryGateway{
		hub:        NewHub(),
		signingKey: key,
		ttl:        time.Hour,
		now:        time.Now,
		newCode:    randomCode,
		accounts:   make(map[string]*memoryAccount, len(accounts)),
		codes:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	for _, acct := range accounts {
		g.accounts[normalizeUsername(acct.Username)] = &memoryAccount{MemoryAccount: acct, subject: uuid.NewString()}
	}
	return g
}

// Subscribe registers fn for lifecycle events.
func (g *MemoryGateway) Subscribe(fn Handler) func() {
	return g.hub.Subscribe(fn)
}

// CurrentSession returns the signed-in credential, silently re-issuing expired tokens.
func (g *MemoryGateway) CurrentSession(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	g.mu.Lock()
	if g.current == nil {
		g.mu.Unlock()
		return Credential{}, ErrNoSession
	}
	refreshed := false
	if !g.now().Before(g.current.expiry) {
		if err := g.issueLocked(g.current); err != nil {
			g.mu.Unlock()
			return Credential{}, fmt.Errorf("current session: %w", err)
		}
		refreshed = true
	}
	s := *g.current
	g.mu.Unlock()

	if refreshed {
		g.hub.Publish(Event{Type: EventTokenRefreshed, Subject: s.subject})
	}
	return Credential{
		Token:       s.token,
		AccessToken: s.token,
		Expiry:      s.expiry,
		Subject:     s.subject,
		Email:       s.email,
	}, nil
}

// SignIn authenticates a confirmed account and publishes EventSignedIn.
func (g *MemoryGateway) SignIn(ctx context.Context, username, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	if g.current != nil {
		g.mu.Unlock()
		return &ProviderError{Op: "sign in", Kind: ErrAlreadyAuthenticated, Message: "There is already a signed in user."}
	}
	acct, ok := g.accounts[normalizeUsername(username)]
	if !ok || acct.Password != password {
		g.mu.Unlock()
		return &ProviderError{Op: "sign in", Kind: ErrInvalidCredentials, Message: "Incorrect username or password."}
	}
	if !acct.Confirmed {
		g.mu.Unlock()
		return &ProviderError{Op: "sign in", Kind: ErrUserNotConfirmed, Message: "User is not confirmed."}
	}

	session := &memorySession{
		username: acct.Username,
		subject:  acct.subject,
		email:    acct.Attributes[AttributeEmail],
	}
	if err := g.issueLocked(session); err != nil {
		g.mu.Unlock()
		return &ProviderError{Op: "sign in", Kind: ErrUnknown, Err: err}
	}
	g.current = session
	g.mu.Unlock()

	g.hub.Publish(Event{Type: EventSignedIn, Subject: session.subject})
	return nil
}

// SignUp creates an unconfirmed account and records its confirmation code.
func (g *MemoryGateway) SignUp(ctx context.Context, username, password string, attributes map[string]string) (SignUpResult, error) {
	if err := ctx.Err(); err != nil {
		return SignUpResult{}, err
	}
	if len(password) < memoryMinPasswordLength {
		return SignUpResult{}, &ProviderError{Op: "sign up", Kind: ErrInvalidPassword, Message: "Password did not conform with policy: Password not long enough"}
	}

	key := normalizeUsername(username)
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.accounts[key]; exists {
		return SignUpResult{}, &ProviderError{Op: "sign up", Kind: ErrUsernameExists, Message: "User already exists"}
	}

	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	acct := &memoryAccount{
		MemoryAccount: MemoryAccount{Username: username, Password: password, Attributes: attrs},
		subject:       uuid.NewString(),
	}
	g.accounts[key] = acct
	g.codes[key] = g.newCode()

	return SignUpResult{
		Subject:     acct.subject,
		Destination: maskEmail(attrs[AttributeEmail]),
	}, nil
}

// ConfirmSignUp confirms an account with its pending code.
func (g *MemoryGateway) ConfirmSignUp(ctx context.Context, username, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := normalizeUsername(username)
	g.mu.Lock()
	defer g.mu.Unlock()

	acct, ok := g.accounts[key]
	if !ok {
		return &ProviderError{Op: "confirm sign up", Kind: ErrInvalidCredentials, Message: "Username/client id combination not found."}
	}
	if acct.Confirmed {
		return &ProviderError{Op: "confirm sign up", Kind: ErrInvalidCredentials, Message: "User cannot be confirmed. Current status is CONFIRMED"}
	}
	if expected := g.codes[key]; expected == "" || strings.TrimSpace(code) != expected {
		return &ProviderError{Op: "confirm sign up", Kind: ErrInvalidCode, Message: "Invalid verification code provided, please try again."}
	}

	acct.Confirmed = true
	delete(g.codes, key)
	return nil
}

// SignOut clears the session and publishes EventSignedOut.
func (g *MemoryGateway) SignOut(ctx context.Context) error {
	g.mu.Lock()
	g.current = nil
	g.mu.Unlock()

	g.hub.Publish(Event{Type: EventSignedOut})
	return nil
}

// PendingCode returns the outstanding confirmation code for username.
func (g *MemoryGateway) PendingCode(username string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	code, ok := g.codes[normalizeUsername(username)]
	return code, ok
}

func (g *MemoryGateway) issueLocked(s *memorySession) error {
	now := g.now()
	expiry := now.Add(g.ttl)
	claims := idClaims{
		Email:    s.email,
		Username: s.username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.subject,
			Issuer:    "align-memory",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.signingKey)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	s.token = signed
	s.expiry = expiry
	return nil
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func randomCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		panic(fmt.Sprintf("identity: generate confirmation code: %v", err))
	}
	return fmt.Sprintf("%06d", n.Int64())
}

func maskEmail(email string) string {
	local, domain, found := strings.Cut(email, "@")
	if !found || local == "" {
		return ""
	}
	return local[:1] + "***@" + domain
}
