// internal/api/server.go
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	handler "github.com/newthinker/augur/internal/api/handler/api"
	"github.com/newthinker/augur/internal/api/middleware"
	"github.com/newthinker/augur/internal/api/response"
	"github.com/newthinker/augur/internal/ledger"
	"github.com/newthinker/augur/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP server for AUGUR
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
	deps       Dependencies
}

// Config holds server configuration
type Config struct {
	Host        string
	Port        int
	APIKey      string
	MetricsPath string
}

// Dependencies are the components served over HTTP. Metrics is optional.
type Dependencies struct {
	App     handler.StatusApp
	Ledger  ledger.Store
	Weights handler.WeightAdmin
	Metrics *metrics.Registry
}

// NewServer creates a new HTTP server
func NewServer(cfg Config, deps Dependencies, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Ledger == nil || deps.Weights == nil || deps.App == nil {
		return nil, fmt.Errorf("api: app, ledger and weights are required")
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	mux := http.NewServeMux()
	s := &Server{
		logger: logger,
		mux:    mux,
		deps:   deps,
	}
	s.setupRoutes(cfg)

	var h http.Handler = mux
	if deps.Metrics != nil {
		h = metrics.HTTPMiddleware(deps.Metrics)(h)
	}
	h = metrics.LoggingMiddleware(logger)(h)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(cfg Config) {
	predictions := handler.NewPredictionsHandler(s.deps.Ledger)
	weights := handler.NewWeightsHandler(s.deps.Weights, s.deps.Metrics, s.logger)
	performance := handler.NewPerformanceHandler(s.deps.Ledger)
	status := handler.NewStatusHandler(s.deps.App)

	auth := middleware.APIKeyAuth(cfg.APIKey)
	route := func(pattern string, fn http.HandlerFunc) {
		s.mux.Handle(pattern, auth(fn))
	}

	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	route("GET /api/v1/predictions", predictions.List)
	route("GET /api/v1/predictions/{id}", predictions.Get)
	route("GET /api/v1/weights", weights.Get)
	route("PUT /api/v1/weights", weights.Put)
	route("GET /api/v1/performance", performance.Latest)
	route("GET /api/v1/watchlist", status.Watchlist)
	route("GET /api/v1/status", status.Status)

	if s.deps.Metrics != nil {
		s.mux.Handle("GET "+cfg.MetricsPath, promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"weights_version": s.deps.Weights.Weights().Version,
	})
}
