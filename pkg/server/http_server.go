package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sandboxrunner/metric-store/pkg/monitoring"
)

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Name           string
	Version        string
	Address        string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	EnableCORS     bool
	CORSOrigins    []string
	CORSMethods    []string
	CORSHeaders    []string
	MaxRequestSize int64
	EnableMetrics  bool
	MetricsPath    string
}

// DefaultHTTPServerConfig returns default HTTP server configuration
func DefaultHTTPServerConfig() HTTPServerConfig {
	return HTTPServerConfig{
		Name:           "metricd",
		Version:        "1.0.0",
		Address:        "localhost",
		Port:           8080,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		EnableCORS:     true,
		CORSOrigins:    []string{"*"},
		CORSMethods:    []string{"GET", "POST", "OPTIONS"},
		CORSHeaders:    []string{"Content-Type", "X-Request-ID"},
		MaxRequestSize: 1024 * 1024, // 1MB
		EnableMetrics:  true,
		MetricsPath:    "/metrics",
	}
}

// RouteRegistrar mounts handlers on the server router
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// HTTPServer owns the listener, the middleware chain and the
// operational endpoints. Application routes come from registrars.
type HTTPServer struct {
	config     HTTPServerConfig
	httpServer *http.Server
	listener   net.Listener
	router     *mux.Router
	handler    http.Handler
	logger     zerolog.Logger
	metrics    *monitoring.Metrics
	tracing    *monitoring.TracingManager
	startTime  time.Time

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewHTTPServer creates a new HTTP server. metrics and tracing may be nil.
func NewHTTPServer(config HTTPServerConfig, metrics *monitoring.Metrics, tracing *monitoring.TracingManager, logger zerolog.Logger, registrars ...RouteRegistrar) *HTTPServer {
	if metrics == nil {
		config.EnableMetrics = false
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	s := &HTTPServer{
		config:    config,
		router:    mux.NewRouter(),
		logger:    logger.With().Str("component", "http").Logger(),
		metrics:   metrics,
		tracing:   tracing,
		startTime: time.Now(),
	}

	s.setupRoutes(registrars)

	// CORS sits outside the router so preflight works for every path
	s.handler = s.corsMiddleware(s.router)
	if tracing != nil && tracing.Enabled() {
		s.handler = tracing.Middleware(s.handler)
	}

	return s
}

// GetRouter returns the HTTP server's router
func (s *HTTPServer) GetRouter() *mux.Router {
	return s.router
}

// Handler returns the full handler chain served by Start
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Addr returns the bound address once started, or the configured one
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
}

// Start binds the listener and serves in the background
func (s *HTTPServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)

	s.logger.Info().
		Str("address", addr).
		Bool("metrics_enabled", s.config.EnableMetrics).
		Bool("tracing_enabled", s.tracing != nil && s.tracing.Enabled()).
		Msg("Starting HTTP server")

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:        s.handler,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
		BaseContext:    func(net.Listener) context.Context { return ctx },
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server listen error")
		}
	}()

	return nil
}

// Stop gracefully shuts the server down
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP server")

	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("HTTP server shutdown error")
			return err
		}
	}

	s.wg.Wait()

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// setupRoutes configures HTTP routes
func (s *HTTPServer) setupRoutes(registrars []RouteRegistrar) {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.requestSizeMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")

	if s.config.EnableMetrics {
		s.router.Handle(s.config.MetricsPath, s.metrics.Handler()).Methods("GET")
	}

	for _, r := range registrars {
		r.RegisterRoutes(s.router)
	}
}

// handleHealth handles health check requests
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   s.config.Version,
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
	}

	writeJSON(w, health)
}

// handleInfo handles server info requests
func (s *HTTPServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"name":    s.config.Name,
		"version": s.config.Version,
		"config": map[string]interface{}{
			"cors_enabled":     s.config.EnableCORS,
			"metrics_enabled":  s.config.EnableMetrics,
			"metrics_path":     s.config.MetricsPath,
			"tracing_enabled":  s.tracing != nil && s.tracing.Enabled(),
			"max_request_size": s.config.MaxRequestSize,
		},
	}

	writeJSON(w, info)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Middleware functions

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		event := s.logger.Info()
		if wrapped.statusCode >= http.StatusInternalServerError {
			event = s.logger.Error()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Str("request_id", w.Header().Get("X-Request-ID")).
			Int("status", wrapped.statusCode).
			Dur("duration", duration).
			Int64("bytes", wrapped.bytes).
			Msg("HTTP request")
	})
}

func (s *HTTPServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.config.EnableMetrics {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.metrics.ObserveRequest(r.Method, routeTemplate(r), wrapped.statusCode, time.Since(start))
	})
}

func (s *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.config.EnableCORS {
			next.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")

		// Check if origin is allowed
		allowed := false
		for _, allowedOrigin := range s.config.CORSOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(s.config.CORSMethods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(s.config.CORSHeaders, ", "))
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		// Handle preflight
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) requestSizeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.MaxRequestSize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

// routeTemplate keeps metric label cardinality bounded by the route table
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// Utility types and functions

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack lets WebSocket upgrades pass through the middleware chain
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
