package http

import (
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"align/internal/config"
)

// Dependencies are the components served by the dashboard API.
type Dependencies struct {
	Session SessionService
	Jobs    JobLister
	Resume  ResumeFlow
	Routes  *RouteTracker
	Metrics http.Handler
}

// NewRouter wires application routes and middleware using chi.
func NewRouter(cfg config.Config, deps Dependencies, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	requestTimeout := 60 * time.Second
	if budget := cfg.UploadTimeout + cfg.CredentialTimeout; budget > requestTimeout {
		requestTimeout = budget
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(newSecurityHeadersMiddleware(cfg.Environment))
	r.Use(newSlogMiddleware(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"environment": cfg.Environment,
		})
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	sessionHandler := NewSessionHandler(deps.Session, deps.Routes, logger)
	jobsHandler := NewJobsHandler(deps.Jobs, logger)
	resumeHandler := NewResumeHandler(deps.Resume, logger)
	limiter := newAuthRateLimiter(cfg.AuthRatePerMinute, logger)

	r.Route("/api", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", sessionHandler.Status)
			r.With(limiter.Middleware).Post("/", sessionHandler.Login)
			r.Delete("/", sessionHandler.Logout)
			r.Post("/refresh", sessionHandler.Refresh)
		})
		r.Route("/registrations", func(r chi.Router) {
			r.Use(limiter.Middleware)
			r.Post("/", sessionHandler.Register)
			r.Post("/confirm", sessionHandler.Confirm)
		})
		r.Route("/profile", func(r chi.Router) {
			r.Get("/", sessionHandler.Profile)
			r.Post("/skills", sessionHandler.AddSkills)
		})
		r.Get("/jobs", jobsHandler.List)
		r.Route("/resume", func(r chi.Router) {
			r.Get("/", resumeHandler.Get)
			r.Put("/", resumeHandler.Select)
			r.Delete("/", resumeHandler.Clear)
			r.Post("/parse", resumeHandler.Parse)
		})
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "not found")
		})
	})

	if dir := strings.TrimSpace(cfg.StaticDir); dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			r.Handle("/*", newDashboardHandler(dir))
		} else {
			logger.Warn("dashboard assets not found; serving API only", "dir", dir)
		}
	}

	r.NotFound(http.NotFoundHandler().ServeHTTP)

	return r
}

// newDashboardHandler serves the built dashboard and falls back to index.html
// for client-side routes such as /login.
func newDashboardHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	index := filepath.Join(dir, "index.html")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clean := path.Clean("/" + r.URL.Path)
		if clean != "/" {
			if info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(clean))); err != nil || info.IsDir() {
				http.ServeFile(w, r, index)
				return
			}
		}
		files.ServeHTTP(w, r)
	})
}
