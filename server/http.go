// Package server is the local bridge API. It exposes synchronizer views to a
// host shell over HTTP and lets the host push connectivity changes.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medlink/medsync/connectivity"
	"github.com/medlink/medsync/orchestrator"
	"github.com/medlink/medsync/telemetry"
)

// DefaultSettleTimeout bounds how long a first read waits for a newly mounted
// view to finish its initial sync.
const DefaultSettleTimeout = 20 * time.Second

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:8484")
	Address string

	// AuthToken enables Bearer authentication when non-empty.
	AuthToken string

	// Synchronizer builds the views the server exposes. Required.
	Synchronizer *orchestrator.Synchronizer

	// Manual, when set, is the monitor PUT /connectivity drives. Without it
	// connectivity is read-only.
	Manual *connectivity.Manual

	// SettleTimeout caps the wait for a newly mounted view.
	// Default is 20s.
	SettleTimeout time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the bridge HTTP server.
type Server struct {
	config     Config
	sync       *orchestrator.Synchronizer
	httpServer *http.Server
	router     chi.Router
	logger     *slog.Logger

	// views mount under ctx and stay mounted until cleared or shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	views  map[string]mountedView
	closed bool
}

type mountedView interface {
	Unmount()
	Wait()
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Synchronizer == nil {
		return nil, errors.New("server: synchronizer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8484"
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = DefaultSettleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		sync:   cfg.Synchronizer,
		logger: cfg.Logger.With("component", "server"),
		ctx:    ctx,
		cancel: cancel,
		views:  make(map[string]mountedView),
	}
	s.router = s.routes()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // approval waits hold the response open
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// routes sets up the HTTP routes.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.authMiddleware)

	r.Get("/health", s.handleHealth)
	// Prometheus metrics endpoint (returns 404 if not enabled)
	r.Method(http.MethodGet, "/metrics", telemetry.PrometheusHandler())

	r.Get("/connectivity", s.handleGetConnectivity)
	r.Put("/connectivity", s.handlePutConnectivity)

	r.Route("/reports", func(r chi.Router) {
		r.Get("/", s.handleReports)
		r.Post("/refresh", s.handleRefreshReports)
		r.Delete("/cache", s.handleClearReports)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleReport)
			r.Post("/refresh", s.handleRefreshReport)
			r.Delete("/cache", s.handleClearReport)
			r.Get("/summary", s.handleSummary)
			r.Post("/summary/refresh", s.handleRefreshSummary)
		})
	})

	r.Get("/emergency/{id}/approval", s.handleApproval)

	return r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
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

		// Inject request tags so handlers can set kind and source.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				telemetry.SetRoute(r, pattern)
			}
		}

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
		}
		if tags.Route != "" {
			attrs = append(attrs, "route", tags.Route)
		}
		if tags.Kind != "" {
			attrs = append(attrs, "kind", tags.Kind)
		}
		if tags.Source != telemetry.SourceNA {
			attrs = append(attrs, "source", string(tags.Source))
		}

		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address, "auth", s.config.AuthToken != "")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, then unmounts every view.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	s.closed = true
	views := s.views
	s.views = make(map[string]mountedView)
	s.mu.Unlock()

	for _, v := range views {
		v.Unmount()
	}
	s.cancel()
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
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
