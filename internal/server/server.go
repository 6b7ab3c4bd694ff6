// Package server exposes the token lifecycle over HTTP for the dashboard
// and the imaging gateway. Administrative endpoints assume the reverse
// proxy in front has already authenticated the caller; the authenticated
// identity arrives in the Remote-User header.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tokend/internal/lifecycle"
	"tokend/internal/query"
)

// Config controls runtime behaviour for the HTTP handlers.
type Config struct {
	// PublicBaseURL overrides the request host when building share
	// links. Leave empty to derive it from forwarded headers.
	PublicBaseURL  string
	AllowedOrigins []string
	Now            func() time.Time
}

// Server wires the lifecycle manager and query service into HTTP handlers.
type Server struct {
	manager *lifecycle.Manager
	queries *query.Service
	config  Config
	logger  zerolog.Logger
	now     func() time.Time
}

// New initialises the HTTP layer.
func New(manager *lifecycle.Manager, queries *query.Service, cfg Config, logger zerolog.Logger) (*Server, error) {
	if manager == nil {
		return nil, errors.New("manager is required")
	}
	if queries == nil {
		return nil, errors.New("query service is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Server{
		manager: manager,
		queries: queries,
		config:  cfg,
		logger:  logger,
		now:     cfg.Now,
	}, nil
}

// Routes constructs the chi router containing all endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.requestLogger)

	allowed := s.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Remote-User", "Remote-Groups"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))
	r.Use(httprate.Limit(300, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Route("/tokens", func(r chi.Router) {
		r.Get("/", s.handleListActive)
		r.Get("/expired", s.handleListExpired)
		r.Get("/stats", s.handleStats)
		r.Post("/validate", s.handleValidate)
		r.Post("/decode", s.handleDecode)
		r.Post("/{tokenType}", s.handleIssue)
		r.Put("/{tokenType}", s.handleIssue)
		r.Delete("/{id}", s.handleRevoke)
	})

	return otelhttp.NewHandler(r, "tokend")
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// A store scan both proves connectivity and warms nothing: queries
	// always hit the store fresh anyway.
	if _, err := s.queries.Stats(r.Context(), s.now().UTC()); err != nil {
		respondError(w, http.StatusServiceUnavailable, kindStoreUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
