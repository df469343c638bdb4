// Package api implements the HTTP protocol adapter: CopilotKit-style
// dispatch, SSE and WebSocket streaming, and read-only thread
// inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/statebridge/internal/agent"
	"github.com/nugget/statebridge/internal/buildinfo"
	"github.com/nugget/statebridge/internal/connwatch"
	"github.com/nugget/statebridge/internal/conversation"
	"github.com/nugget/statebridge/internal/events"
	"github.com/nugget/statebridge/internal/tools"
)

// maxRequestBytes caps request bodies and WebSocket request frames.
const maxRequestBytes = 4 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// HealthReporter reports the reachability of the services turns depend
// on. *connwatch.Manager satisfies it.
type HealthReporter interface {
	Status() []connwatch.Status
	Healthy() bool
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	runner   *agent.Runner
	bus      *events.Bus
	health   HealthReporter
	usage    UsageReporter
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new API server.
func NewServer(address string, port int, runner *agent.Runner, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		runner:  runner,
		bus:     bus,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// No authentication layer; any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetHealth attaches a service health reporter to /health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// CopilotKit endpoints
	mux.HandleFunc("POST /api/copilotkit", s.handleCopilotKit)
	mux.HandleFunc("POST /api/copilotkit/stream", s.handleStream)
	mux.HandleFunc("GET /api/copilotkit/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/copilotkit/available-tools", s.handleAvailableTools)

	// Thread inspection
	mux.HandleFunc("GET /v1/threads", s.handleThreadList)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThreadGet)

	// Event feed
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streams reset their own write deadline per event.
		WriteTimeout: 120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    buildinfo.Name,
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth always answers 200 while the process is serving; an
// unreachable dependency shows as "degraded" rather than failing the
// probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "healthy",
		"model":          s.runner.Executor().Model(),
		"uptime_seconds": int64(buildinfo.Uptime().Seconds()),
		"active_turns":   s.runner.ActiveTurns(),
	}
	if s.health != nil {
		resp["services"] = s.health.Status()
		if !s.health.Healthy() {
			resp["status"] = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}, s.logger)
}

// clientError answers errors that are the caller's fault with 400 and
// reports whether err was one of them.
func (s *Server) clientError(w http.ResponseWriter, err error) bool {
	var de *DecodeError
	switch {
	case errors.As(err, &de), errors.Is(err, conversation.ErrInvalidHistory):
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.Is(err, tools.ErrConfiguration):
		s.errorResponse(w, http.StatusBadRequest, "configuration_error", err.Error())
	default:
		return false
	}
	return true
}

// readRequest decodes a size-limited request body.
func (s *Server) readRequest(w http.ResponseWriter, r *http.Request) (*Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	return decodeRequest(r.Body)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
