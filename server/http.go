// Package server exposes the vault engine over a local HTTP API.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/replaylabs/replay-vault/arkiv"
	"github.com/replaylabs/replay-vault/errlog"
	"github.com/replaylabs/replay-vault/expiry"
	"github.com/replaylabs/replay-vault/loader"
	"github.com/replaylabs/replay-vault/store"
	"github.com/replaylabs/replay-vault/telemetry"
	"github.com/replaylabs/replay-vault/verify"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken protects the API with bearer auth. Empty disables auth.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Components are the engine pieces the server fronts. The command wires
// them; the server only routes.
type Components struct {
	Store      *store.ByteStore
	Verifier   *verify.Verifier
	Engine     *expiry.Engine
	Runner     *expiry.Runner
	Reconciler *arkiv.Reconciler
	Loader     *loader.Orchestrator
	Errors     *errlog.Log
}

// Server is the HTTP server for the vault.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	store      *store.ByteStore
	verifier   *verify.Verifier
	engine     *expiry.Engine
	runner     *expiry.Runner
	reconciler *arkiv.Reconciler
	loader     *loader.Orchestrator
	errors     *errlog.Log
}

// New creates a server fronting the given components.
func New(cfg Config, c Components) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if c.Store == nil || c.Verifier == nil || c.Engine == nil {
		return nil, fmt.Errorf("store, verifier, and engine are required")
	}

	s := &Server{
		config:     cfg,
		logger:     cfg.Logger,
		store:      c.Store,
		verifier:   c.Verifier,
		engine:     c.Engine,
		runner:     c.Runner,
		reconciler: c.Reconciler,
		loader:     c.Loader,
		errors:     c.Errors,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := s.authMiddleware(s.loggingMiddleware(mux))

	// h2c lets local callers multiplex many small content reads over one
	// cleartext connection.
	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // long timeout for large media reads
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /v1/content/{origin}/{namespace}/{id}", s.handleGetContent)
	mux.HandleFunc("DELETE /v1/content/{origin}/{namespace}/{id}", s.handleDeleteContent)

	mux.HandleFunc("POST /v1/load", s.handleLoad)

	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/errors", s.handleErrors)
	mux.HandleFunc("POST /v1/cleanup", s.handleCleanup)

	mux.HandleFunc("GET /v1/records", s.handleRecords)
	mux.HandleFunc("POST /v1/sync", s.handleSync)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server, including the background sweep runner when
// one is configured.
func (s *Server) Start() error {
	if s.runner != nil {
		s.runner.Start(context.Background())
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.runner != nil {
		if err := s.runner.Stop(ctx); err != nil {
			s.logger.Warn("stopping sweep runner", "error", err)
		}
	}

	return s.httpServer.Shutdown(ctx)
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
