package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
	"golang.org/x/oauth2"
)

// CognitoAPI is the subset of the Cognito user pool client used by CognitoGateway.
type CognitoAPI interface {
	InitiateAuth(ctx context.Context, params *cognitoidentityprovider.InitiateAuthInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.InitiateAuthOutput, error)
	SignUp(ctx context.Context, params *cognitoidentityprovider.SignUpInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.SignUpOutput, error)
	ConfirmSignUp(ctx context.Context, params *cognitoidentityprovider.ConfirmSignUpInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.ConfirmSignUpOutput, error)
	RevokeToken(ctx context.Context, params *cognitoidentityprovider.RevokeTokenInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.RevokeTokenOutput, error)
}

// NewCognitoClient builds an unsigned Cognito user pool client for region.
// The public app client operations used here need no AWS credentials.
func NewCognitoClient(ctx context.Context, region string) (*cognitoidentityprovider.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return cognitoidentityprovider.NewFromConfig(awsCfg), nil
}

// CognitoGateway implements Gateway against a Cognito user pool app client.
type CognitoGateway struct {
	api            CognitoAPI
	clientID       string
	clientSecret   string
	verifier       idTokenVerifier
	hub            *Hub
	logger         *slog.Logger
	refreshTimeout time.Duration
	now            func() time.Time

	mu           sync.Mutex
	username     string
	refreshToken string
	source       oauth2.TokenSource
}

// CognitoOption configures the gateway during construction.
type CognitoOption func(*CognitoGateway)

// WithClientSecret enables SECRET_HASH for app clients that have a secret.
func WithClientSecret(secret string) CognitoOption {
	return func(g *CognitoGateway) {
		g.clientSecret = secret
	}
}

// WithVerifier verifies ID tokens returned at sign-in.
func WithVerifier(v idTokenVerifier) CognitoOption {
	return func(g *CognitoGateway) {
		g.verifier = v
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) CognitoOption {
	return func(g *CognitoGateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRefreshTimeout bounds each token refresh call.
func WithRefreshTimeout(d time.Duration) CognitoOption {
	return func(g *CognitoGateway) {
		if d > 0 {
			g.refreshTimeout = d
		}
	}
}

// NewCognitoGateway constructs a CognitoGateway.
func NewCognitoGateway(api CognitoAPI, clientID string, opts ...CognitoOption) *CognitoGateway {
	g := &CognitoGateway{
		api:            api,
		clientID:       clientID,
		hub:            NewHub(),
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		refreshTimeout: 10 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Subscribe registers fn for lifecycle events.
func (g *CognitoGateway) Subscribe(fn Handler) func() {
	return g.hub.Subscribe(fn)
}

// CurrentSession returns the held credential, refreshing it when it expired.
func (g *CognitoGateway) CurrentSession(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	g.mu.Lock()
	src := g.source
	g.mu.Unlock()
	if src == nil {
		return Credential{}, ErrNoSession
	}

	tok, err := src.Token()
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			g.logger.Info("refresh token rejected, clearing session")
			if g.clear(src) {
				g.hub.Publish(Event{Type: EventSignedOut})
			}
			return Credential{}, fmt.Errorf("current session: %w", ErrNoSession)
		}
		return Credential{}, fmt.Errorf("current session: %w", err)
	}
	return credentialFromToken(tok)
}

// SignIn authenticates with USER_PASSWORD_AUTH and publishes EventSignedIn.
func (g *CognitoGateway) SignIn(ctx context.Context, username, password string) error {
	g.mu.Lock()
	held := g.source != nil
	g.mu.Unlock()
	if held {
		return &ProviderError{Op: "sign in", Kind: ErrAlreadyAuthenticated, Message: "There is already a signed in user."}
	}

	params := map[string]string{"USERNAME": username, "PASSWORD": password}
	if g.clientSecret != "" {
		params["SECRET_HASH"] = secretHash(username, g.clientID, g.clientSecret)
	}

	out, err := g.api.InitiateAuth(ctx, &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow:       types.AuthFlowTypeUserPasswordAuth,
		ClientId:       aws.String(g.clientID),
		AuthParameters: params,
	})
	if err != nil {
		return classify("sign in", err)
	}
	if out.ChallengeName != "" {
		return &ProviderError{Op: "sign in", Kind: ErrChallengeRequired, Code: string(out.ChallengeName)}
	}
	result := out.AuthenticationResult
	if result == nil || aws.ToString(result.IdToken) == "" {
		return &ProviderError{Op: "sign in", Kind: ErrUnknown, Message: "no tokens in authentication result"}
	}

	idToken := aws.ToString(result.IdToken)
	claims, err := verifyIDToken(ctx, g.verifier, idToken)
	if err != nil {
		return &ProviderError{Op: "sign in", Kind: ErrUnknown, Err: err}
	}

	sessionUser := claims.Username
	if sessionUser == "" {
		sessionUser = username
	}
	refreshToken := aws.ToString(result.RefreshToken)
	tok := newProviderToken(idToken, aws.ToString(result.AccessToken), refreshToken, result.ExpiresIn, g.now())

	g.mu.Lock()
	if g.source != nil {
		g.mu.Unlock()
		return &ProviderError{Op: "sign in", Kind: ErrAlreadyAuthenticated, Message: "There is already a signed in user."}
	}
	g.username = sessionUser
	g.refreshToken = refreshToken
	g.source = oauth2.ReuseTokenSource(tok, &cognitoRefresher{gateway: g, username: sessionUser, refreshToken: refreshToken})
	g.mu.Unlock()

	g.logger.Info("signed in", "subject", claims.Subject)
	g.hub.Publish(Event{Type: EventSignedIn, Subject: claims.Subject})
	return nil
}

// SignUp registers an unconfirmed account.
func (g *CognitoGateway) SignUp(ctx context.Context, username, password string, attributes map[string]string) (SignUpResult, error) {
	keys := make([]string, 0, len(attributes))
	for k := range attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]types.AttributeType, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, types.AttributeType{Name: aws.String(k), Value: aws.String(attributes[k])})
	}

	input := &cognitoidentityprovider.SignUpInput{
		ClientId:       aws.String(g.clientID),
		Username:       aws.String(username),
		Password:       aws.String(password),
		UserAttributes: attrs,
	}
	if g.clientSecret != "" {
		input.SecretHash = aws.String(secretHash(username, g.clientID, g.clientSecret))
	}

	out, err := g.api.SignUp(ctx, input)
	if err != nil {
		return SignUpResult{}, classify("sign up", err)
	}

	result := SignUpResult{
		Subject:       aws.ToString(out.UserSub),
		UserConfirmed: out.UserConfirmed,
	}
	if out.CodeDeliveryDetails != nil {
		result.Destination = aws.ToString(out.CodeDeliveryDetails.Destination)
	}
	return result, nil
}

// ConfirmSignUp confirms an account with the code delivered out of band.
func (g *CognitoGateway) ConfirmSignUp(ctx context.Context, username, code string) error {
	input := &cognitoidentityprovider.ConfirmSignUpInput{
		ClientId:         aws.String(g.clientID),
		Username:         aws.String(username),
		ConfirmationCode: aws.String(code),
	}
	if g.clientSecret != "" {
		input.SecretHash = aws.String(secretHash(username, g.clientID, g.clientSecret))
	}

	if _, err := g.api.ConfirmSignUp(ctx, input); err != nil {
		return classify("confirm sign up", err)
	}
	return nil
}

// SignOut revokes the refresh token, drops local tokens and publishes EventSignedOut.
// A failed revocation is logged; the local session is cleared regardless.
func (g *CognitoGateway) SignOut(ctx context.Context) error {
	g.mu.Lock()
	refreshToken := g.refreshToken
	g.source = nil
	g.refreshToken = ""
	g.username = ""
	g.mu.Unlock()

	if refreshToken != "" {
		input := &cognitoidentityprovider.RevokeTokenInput{
			ClientId: aws.String(g.clientID),
			Token:    aws.String(refreshToken),
		}
		if g.clientSecret != "" {
			input.ClientSecret = aws.String(g.clientSecret)
		}
		if _, err := g.api.RevokeToken(ctx, input); err != nil {
			g.logger.Warn("revoke refresh token failed", "error", err)
		}
	}

	g.hub.Publish(Event{Type: EventSignedOut})
	return nil
}

// clear drops the session if src is still the active token source.
func (g *CognitoGateway) clear(src oauth2.TokenSource) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.source != src {
		return false
	}
	g.source = nil
	g.refreshToken = ""
	g.username = ""
	return true
}

type cognitoRefresher struct {
	gateway      *CognitoGateway
	username     string
	refreshToken string
}

// Token implements oauth2.TokenSource using REFRESH_TOKEN_AUTH.
func (r *cognitoRefresher) Token() (*oauth2.Token, error) {
	g := r.gateway
	ctx, cancel := context.WithTimeout(context.Background(), g.refreshTimeout)
	defer cancel()

	params := map[string]string{"REFRESH_TOKEN": r.refreshToken}
	if g.clientSecret != "" {
		params["SECRET_HASH"] = secretHash(r.username, g.clientID, g.clientSecret)
	}

	out, err := g.api.InitiateAuth(ctx, &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow:       types.AuthFlowTypeRefreshTokenAuth,
		ClientId:       aws.String(g.clientID),
		AuthParameters: params,
	})
	if err != nil {
		return nil, classify("refresh session", err)
	}
	result := out.AuthenticationResult
	if result == nil || aws.ToString(result.IdToken) == "" {
		return nil, &ProviderError{Op: "refresh session", Kind: ErrUnknown, Message: "no tokens in refresh result"}
	}

	refreshToken := r.refreshToken
	if rotated := aws.ToString(result.RefreshToken); rotated != "" && rotated != refreshToken {
		g.mu.Lock()
		// SignOut revokes g.refreshToken; a session replaced meanwhile keeps its own.
		if g.refreshToken == refreshToken {
			g.refreshToken = rotated
		}
		g.mu.Unlock()
		refreshToken = rotated
		r.refreshToken = rotated
	}

	tok := newProviderToken(aws.ToString(result.IdToken), aws.ToString(result.AccessToken), refreshToken, result.ExpiresIn, g.now())
	g.logger.Debug("session tokens refreshed", "expiry", tok.Expiry)
	g.hub.Publish(Event{Type: EventTokenRefreshed})
	return tok, nil
}

// classify maps a Cognito error onto the gateway error taxonomy.
func classify(op string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return &ProviderError{Op: op, Kind: ErrUnknown, Err: err}
	}

	kind := ErrUnknown
	switch apiErr.ErrorCode() {
	case "NotAuthorizedException", "UserNotFoundException":
		kind = ErrInvalidCredentials
	case "UserNotConfirmedException":
		kind = ErrUserNotConfirmed
	case "UsernameExistsException", "AliasExistsException":
		kind = ErrUsernameExists
	case "InvalidPasswordException":
		kind = ErrInvalidPassword
	case "CodeMismatchException", "ExpiredCodeException":
		kind = ErrInvalidCode
	case "TooManyRequestsException", "LimitExceededException", "TooManyFailedAttemptsException":
		kind = ErrRateLimited
	}

	return &ProviderError{
		Op:      op,
		Kind:    kind,
		Code:    apiErr.ErrorCode(),
		Message: apiErr.ErrorMessage(),
		Err:     err,
	}
}
