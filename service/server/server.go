package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/waveportal/service/db"
	"github.com/brojonat/waveportal/service/metrics"
	"github.com/brojonat/waveportal/service/portal"
	"github.com/brojonat/waveportal/service/txn"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Portal is the host component the render surface drives.
type Portal interface {
	State() portal.State
	Connect(ctx context.Context) error
	SetMessageText(text string)
	Submit(ctx context.Context) (*txn.Result, error)
	Refresh(ctx context.Context) error
	Dismiss(id string) bool
	Watch(ctx context.Context) <-chan portal.State
}

// Archive lists archived waves.
type Archive interface {
	ListWaves(ctx context.Context, params db.ListWavesParams) ([]*db.Wave, error)
}

// Server represents the HTTP render surface for the portal.
type Server struct {
	addr     string
	portal   Portal
	archive  Archive
	renderer *TemplateRenderer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server

	keepalive time.Duration
}

// New creates a new HTTP server with the given dependencies.
// The archive is optional - if nil, the archive listing endpoint won't be available.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, p Portal, archive Archive, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:      addr,
		portal:    p,
		archive:   archive,
		metrics:   m,
		logger:    logger,
		keepalive: 10 * time.Second,
	}
}

// WithTemplates adds the HTML page using embedded templates.
func (s *Server) WithTemplates() error {
	renderer, err := NewTemplateRenderer(s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize templates: %w", err)
	}
	s.renderer = renderer
	s.logger.Info("HTML templates loaded from embedded files")
	return nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	route("GET /api/v1/state", "/api/v1/state", handleGetState(s.portal))
	route("POST /api/v1/connect", "/api/v1/connect", handleConnect(s.portal, s.logger))
	route("PUT /api/v1/message", "/api/v1/message", handleSetMessage(s.portal, s.logger))
	route("POST /api/v1/submit", "/api/v1/submit", handleSubmit(s.portal, s.logger))
	route("POST /api/v1/refresh", "/api/v1/refresh", handleRefresh(s.portal, s.logger))
	route("DELETE /api/v1/notifications/{id}", "/api/v1/notifications", handleDismiss(s.portal))
	route("GET /api/v1/stream", "/api/v1/stream", handleStreamState(s.portal, s.metrics, s.keepalive, s.logger))

	if s.archive != nil {
		route("GET /api/v1/waves", "/api/v1/waves", handleListWaves(s.archive, s.logger))
	}

	if s.renderer != nil {
		mux.HandleFunc("GET /{$}", handlePortalPage(s.portal, s.renderer))
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: the state stream and waiting submits are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
