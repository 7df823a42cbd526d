package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Identity provider names accepted by IDENTITY_PROVIDER.
const (
	IdentityCognito = "cognito"
	IdentityMemory  = "memory"
)

// Config aggregates runtime configuration for the Align dashboard service.
type Config struct {
	Environment    string
	HTTPPort       int
	LogLevel       string
	LogFormat      string
	AllowedOrigins []string
	StaticDir      string

	IdentityProvider    string
	AWSRegion           string
	CognitoUserPoolID   string
	CognitoClientID     string
	CognitoClientSecret string

	UserAPIURL        string
	ResumeParserURL   string
	RequestTimeout    time.Duration
	UploadTimeout     time.Duration
	CredentialTimeout time.Duration
	AuthRatePerMinute int
}

// Load reads configuration from environment variables with sensible defaults for local development.
func Load() (Config, error) {
	clientSecret, err := getEnvOrFile("COGNITO_APP_CLIENT_SECRET", "/run/secrets/align_cognito_client_secret")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment:         getEnv("APP_ENV", "development"),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(getEnv("LOG_FORMAT", "text")),
		AllowedOrigins:      parseCSV(getEnv("ALLOWED_ORIGINS", "http://localhost:5173,http://127.0.0.1:5173")),
		StaticDir:           getEnv("WEB_DIST_PATH", "web/dist"),
		IdentityProvider:    strings.ToLower(getEnv("IDENTITY_PROVIDER", IdentityMemory)),
		CognitoUserPoolID:   getEnv("COGNITO_USER_POOL_ID", os.Getenv("VITE_COGNITO_USER_POOL_ID")),
		CognitoClientID:     getEnv("COGNITO_APP_CLIENT_ID", os.Getenv("VITE_COGNITO_APP_CLIENT_ID")),
		CognitoClientSecret: strings.TrimSpace(clientSecret),
		UserAPIURL:          strings.TrimRight(getEnv("USER_API_URL", "http://127.0.0.1:8000"), "/"),
		ResumeParserURL:     strings.TrimRight(getEnv("RESUME_PARSER_URL", "http://127.0.0.1:8001"), "/"),
	}
	cfg.AWSRegion = getEnv("AWS_REGION", getEnv("VITE_AWS_REGION", regionFromPoolID(cfg.CognitoUserPoolID)))

	portValue := getEnv("PORT", getEnv("HTTP_PORT", "8090"))
	port, err := strconv.Atoi(portValue)
	if err != nil {
		return Config{}, fmt.Errorf("invalid port %q: %w", portValue, err)
	}
	cfg.HTTPPort = port

	if cfg.RequestTimeout, err = getEnvDuration("REQUEST_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.UploadTimeout, err = getEnvDuration("UPLOAD_TIMEOUT", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.CredentialTimeout, err = getEnvDuration("CREDENTIAL_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}

	rateValue := getEnv("AUTH_RATE_LIMIT", "20")
	rate, err := strconv.Atoi(rateValue)
	if err != nil || rate <= 0 {
		return Config{}, fmt.Errorf("invalid AUTH_RATE_LIMIT %q", rateValue)
	}
	cfg.AuthRatePerMinute = rate

	if !cfg.IsDevelopment() {
		if len(cfg.AllowedOrigins) == 0 {
			return Config{}, fmt.Errorf("ALLOWED_ORIGINS must define at least one origin outside development")
		}
		for _, origin := range cfg.AllowedOrigins {
			if origin == "*" {
				return Config{}, fmt.Errorf("ALLOWED_ORIGINS cannot contain wildcard outside development")
			}
		}
	}

	switch cfg.IdentityProvider {
	case IdentityMemory:
		if !cfg.IsDevelopment() {
			return Config{}, fmt.Errorf("IDENTITY_PROVIDER memory is only allowed when APP_ENV is development")
		}
	case IdentityCognito:
		if cfg.CognitoUserPoolID == "" {
			return Config{}, fmt.Errorf("COGNITO_USER_POOL_ID is required for the cognito identity provider")
		}
		if cfg.CognitoClientID == "" {
			return Config{}, fmt.Errorf("COGNITO_APP_CLIENT_ID is required for the cognito identity provider")
		}
		if cfg.AWSRegion == "" {
			return Config{}, fmt.Errorf("AWS_REGION is required when it cannot be derived from the user pool id")
		}
	default:
		return Config{}, fmt.Errorf("unsupported IDENTITY_PROVIDER %q", cfg.IdentityProvider)
	}

	return cfg, nil
}

// HTTPAddress returns the address the HTTP server should bind to.
func (c Config) HTTPAddress() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// IsDevelopment reports whether the service runs with development defaults.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// UseMemoryIdentity returns true if the in-memory identity gateway should be used.
func (c Config) UseMemoryIdentity() bool {
	return c.IdentityProvider == IdentityMemory
}

// CognitoIssuer returns the OIDC issuer URL of the configured user pool.
func (c Config) CognitoIssuer() string {
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.AWSRegion, c.CognitoUserPoolID)
}

// regionFromPoolID extracts the region prefix of a pool id such as "eu-west-1_AbCdEf".
func regionFromPoolID(poolID string) string {
	region, _, found := strings.Cut(poolID, "_")
	if !found {
		return ""
	}
	return region
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, value)
	}
	return d, nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrFile(key, defaultPath string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}

	fileKey := key + "_FILE"
	if path := os.Getenv(fileKey); path != "" {
		return readSecret(path, fileKey)
	}

	if defaultPath != "" {
		return readSecret(defaultPath, key)
	}

	return "", nil
}

func readSecret(path, name string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("config: reading %s (%s): %w", name, path, err)
	}

	value := strings.TrimSpace(string(contents))
	if value == "" {
		return "", fmt.Errorf("config: %s (%s) is empty", name, path)
	}
	return value, nil
}
