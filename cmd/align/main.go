package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"align/internal/api"
	"align/internal/config"
	transporthttp "align/internal/http"
	"align/internal/identity"
	"align/internal/metrics"
	"align/internal/platform/logging"
	"align/internal/session"
	"align/internal/upload"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := loadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Warn("ignoring unreadable .env file", "error", envErr)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewCollector(registry)

	gateway, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize identity provider", "error", err)
		os.Exit(1)
	}

	pipeline := api.NewPipeline(gateway,
		api.WithCredentialTimeout(cfg.CredentialTimeout),
		api.WithPipelineLogger(logger),
		api.WithPipelineMetrics(recorder),
	)
	client := api.NewClient(cfg.UserAPIURL, pipeline,
		api.WithTimeout(cfg.RequestTimeout),
		api.WithLogger(logger),
		api.WithMetrics(recorder),
	)

	routes := transporthttp.NewRouteTracker()
	machine := session.NewMachine(gateway, client, routes,
		session.WithLogger(logger),
		session.WithMetrics(recorder),
	)
	if err := machine.Start(ctx); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}
	defer machine.Close()

	flow := upload.NewFlow(cfg.ResumeParserURL, gateway,
		upload.WithHTTPClient(&http.Client{Timeout: cfg.UploadTimeout}),
		upload.WithCredentialTimeout(cfg.CredentialTimeout),
		upload.WithLogger(logger),
		upload.WithMetrics(recorder),
	)

	router := transporthttp.NewRouter(cfg, transporthttp.Dependencies{
		Session: machine,
		Jobs:    client,
		Resume:  flow,
		Routes:  routes,
		Metrics: metrics.Handler(registry),
	}, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.UploadTimeout,
		WriteTimeout:      cfg.UploadTimeout + cfg.CredentialTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    http.DefaultMaxHeaderBytes,
	}

	go func() {
		logger.Info("Align dashboard listening", "addr", srv.Addr, "identity", cfg.IdentityProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func buildGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (identity.Gateway, error) {
	if cfg.UseMemoryIdentity() {
		logger.Info("using in-memory identity provider", "accounts", len(demoAccounts()))
		return identity.NewMemoryGateway(demoAccounts()), nil
	}

	client, err := identity.NewCognitoClient(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, err
	}

	opts := []identity.CognitoOption{
		identity.WithClientSecret(cfg.CognitoClientSecret),
		identity.WithLogger(logger),
		identity.WithRefreshTimeout(cfg.CredentialTimeout),
	}
	verifier, err := identity.NewOIDCVerifier(ctx, cfg.CognitoIssuer(), cfg.CognitoClientID)
	if err != nil {
		logger.Warn("id token verification disabled", "issuer", cfg.CognitoIssuer(), "error", err)
	} else {
		opts = append(opts, identity.WithVerifier(verifier))
	}

	logger.Info("using cognito identity provider", "region", cfg.AWSRegion, "pool", cfg.CognitoUserPoolID)
	return identity.NewCognitoGateway(client, cfg.CognitoClientID, opts...), nil
}

// loadEnvFile applies .env files when present. A missing file is not an error.
func loadEnvFile(filenames ...string) error {
	if err := godotenv.Load(filenames...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
