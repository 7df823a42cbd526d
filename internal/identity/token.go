package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const idTokenKey = "id_token"

// ProviderError carries the provider's own message next to the mapped error kind.
type ProviderError struct {
	Op      string
	Kind    error
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ProviderMessage returns the human readable message reported by the provider, if any.
func ProviderMessage(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Message
	}
	return ""
}

type idClaims struct {
	Email    string `json:"email"`
	Username string `json:"cognito:username"`
	FullName string `json:"custom:full_name"`
	jwt.RegisteredClaims
}

// idTokenVerifier is satisfied by *oidc.IDTokenVerifier.
type idTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// NewOIDCVerifier discovers issuer and returns a verifier bound to clientID.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*oidc.IDTokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return provider.Verifier(&oidc.Config{ClientID: clientID}), nil
}

func verifyIDToken(ctx context.Context, verifier idTokenVerifier, raw string) (idClaims, error) {
	var claims idClaims
	if verifier == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
			return idClaims{}, fmt.Errorf("parse id_token: %w", err)
		}
		return claims, nil
	}

	token, err := verifier.Verify(ctx, raw)
	if err != nil {
		return idClaims{}, fmt.Errorf("verify id_token: %w", err)
	}
	if err := token.Claims(&claims); err != nil {
		return idClaims{}, fmt.Errorf("parse claims: %w", err)
	}
	return claims, nil
}

// tokenExpiry returns the exp claim of raw, bounded by fallback when set.
func tokenExpiry(raw string, fallback time.Time) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil || claims.ExpiresAt == nil {
		return fallback
	}
	exp := claims.ExpiresAt.Time
	if !fallback.IsZero() && fallback.Before(exp) {
		return fallback
	}
	return exp
}

func newProviderToken(idToken, accessToken, refreshToken string, expiresIn int32, now time.Time) *oauth2.Token {
	var fallback time.Time
	if expiresIn > 0 {
		fallback = now.Add(time.Duration(expiresIn) * time.Second)
	}
	tok := &oauth2.Token{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		RefreshToken: refreshToken,
		Expiry:       tokenExpiry(idToken, fallback),
	}
	return tok.WithExtra(map[string]any{idTokenKey: idToken})
}

func credentialFromToken(tok *oauth2.Token) (Credential, error) {
	idToken, _ := tok.Extra(idTokenKey).(string)
	if idToken == "" {
		return Credential{}, errors.New("session token has no id_token")
	}

	cred := Credential{
		Token:       idToken,
		AccessToken: tok.AccessToken,
		Expiry:      tok.Expiry,
	}
	var claims idClaims
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, &claims); err == nil {
		cred.Subject = claims.Subject
		cred.Email = claims.Email
	}
	return cred, nil
}

func secretHash(username, clientID, clientSecret string) string {
	mac := hmac.New(sha256.New, []byte(clientSecret))
	mac.Write([]byte(username + clientID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
