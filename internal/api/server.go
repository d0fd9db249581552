// Package api implements the mcphub HTTP API over the server registry.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"golang.org/x/net/netutil"

	"github.com/nugget/mcphub/internal/buildinfo"
	"github.com/nugget/mcphub/internal/config"
	"github.com/nugget/mcphub/internal/events"
	"github.com/nugget/mcphub/internal/mcp"
	"github.com/nugget/mcphub/internal/registry"
)

// maxBodyBytes caps request bodies for add-server and tool-call requests.
const maxBodyBytes = 1 << 20

// Registry is the subset of [registry.Registry] the API serves.
type Registry interface {
	Status() map[string]registry.ServerStatus
	ServerStatus(name string) (registry.ServerStatus, bool)
	StaticNames() []string
	DynamicNames() []string
	Tools() []mcp.ToolDescriptor
	CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error)
	AddServer(ctx context.Context, name string, d registry.Descriptor) (registry.ServerStatus, error)
	RemoveServer(ctx context.Context, name string) error
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	listen   config.ListenConfig
	registry Registry
	logger   *slog.Logger
	events   *events.Bus
	usage    Usage

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(listen config.ListenConfig, reg Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen:   listen,
		registry: reg,
		logger:   logger,
	}
}

// Handler returns the routed handler with CORS, request ids, and
// request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/servers", s.handleServerList)
	mux.HandleFunc("GET /v1/servers/static", s.handleStaticNames)
	mux.HandleFunc("GET /v1/servers/dynamic", s.handleDynamicNames)
	mux.HandleFunc("GET /v1/servers/{name}", s.handleServerGet)
	mux.HandleFunc("POST /v1/servers", s.handleServerAdd)
	mux.HandleFunc("DELETE /v1/servers/{name}", s.handleServerRemove)

	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("POST /v1/tools/call", s.handleToolCall)

	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /status", s.handleStatusPage)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/usage/recent", s.handleUsageRecent)

	var h http.Handler = s.withLogging(mux)
	if len(s.listen.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: s.listen.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
		}).Handler(h)
	}
	return h
}

// Start begins serving HTTP requests. It returns
// [http.ErrServerClosed] after [Server.Shutdown].
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.listen.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.listen.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.listen.MaxConnections)
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // tool calls may run long
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("starting API server",
		"address", ln.Addr().String(),
		"max_connections", s.listen.MaxConnections,
	)
	return srv.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// errorResponse writes err as {"error": ...} with a status derived
// from its kind.
func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), mcp.ErrorPayload(err), s.logger)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownServer), errors.Is(err, registry.ErrUnknownTool):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrNotRemovable):
		return http.StatusForbidden
	case errors.Is(err, mcp.ErrConfig), errors.Is(err, mcp.ErrInvalidArguments):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, mcp.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

// ServerList is the GET /v1/servers response.
type ServerList struct {
	Servers []registry.ServerStatus `json:"servers"`
}

func (s *Server) handleServerList(w http.ResponseWriter, r *http.Request) {
	want := registry.State(r.URL.Query().Get("status"))
	switch want {
	case "", registry.StateRunning, registry.StateFailed:
	default:
		writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": fmt.Sprintf("unknown status filter %q", want)}, s.logger)
		return
	}

	status := s.registry.Status()
	out := ServerList{Servers: make([]registry.ServerStatus, 0, len(status))}
	for _, name := range sortedNames(status) {
		st := status[name]
		if want != "" && st.Status != want {
			continue
		}
		out.Servers = append(out.Servers, st)
	}
	writeJSON(w, http.StatusOK, out, s.logger)
}

func (s *Server) handleStaticNames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"static_servers": nonNil(s.registry.StaticNames())}, s.logger)
}

func (s *Server) handleDynamicNames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"dynamic_servers": nonNil(s.registry.DynamicNames())}, s.logger)
}

func (s *Server) handleServerGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	st, ok := s.registry.ServerStatus(name)
	if !ok {
		s.errorResponse(w, fmt.Errorf("%w: %s", registry.ErrUnknownServer, name))
		return
	}
	writeJSON(w, http.StatusOK, st, s.logger)
}

// AddServerRequest is the POST /v1/servers body. The descriptor fields
// sit alongside the name.
type AddServerRequest struct {
	Name string `json:"name"`
	registry.Descriptor
}

func (s *Server) handleServerAdd(w http.ResponseWriter, r *http.Request) {
	var req AddServerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()}, s.logger)
		return
	}

	st, err := s.registry.AddServer(r.Context(), req.Name, req.Descriptor)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st, s.logger)
}

func (s *Server) handleServerRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.RemoveServer(r.Context(), r.PathValue("name")); err != nil {
		s.errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToolList is the GET /v1/tools response.
type ToolList struct {
	Tools []mcp.ToolDescriptor `json:"tools"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	server := r.URL.Query().Get("server")
	out := ToolList{Tools: []mcp.ToolDescriptor{}}
	for _, td := range s.registry.Tools() {
		if server == "" || td.Source == server {
			out.Tools = append(out.Tools, td)
		}
	}
	writeJSON(w, http.StatusOK, out, s.logger)
}

// ToolCallRequest is the POST /v1/tools/call body.
type ToolCallRequest struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallResponse is the POST /v1/tools/call result.
type ToolCallResponse struct {
	Server string `json:"server"`
	Tool   string `json:"tool"`
	Result string `json:"result"`
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req ToolCallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()}, s.logger)
		return
	}
	if req.Server == "" || req.Tool == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "server and tool are required"}, s.logger)
		return
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}

	result, err := s.registry.CallTool(r.Context(), req.Server, req.Tool, req.Arguments)
	if err != nil {
		s.logger.Warn("tool call failed", "mcp_server", req.Server, "tool", req.Tool, "error", err)
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ToolCallResponse{Server: req.Server, Tool: req.Tool, Result: result}, s.logger)
}

func sortedNames(m map[string]registry.ServerStatus) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
