// Package api exposes the orchestrator over HTTP.
//
// Runs can be consumed as Server-Sent Events: every orchestration event is
// one "data:" frame holding {type, data, timestamp}, and the stream ends
// with "data: [DONE]".
//
// Information Hiding:
// - Route table hidden
// - Error-to-status mapping hidden
// - SSE framing hidden
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/richinex/conductor/mcp"
	"github.com/richinex/conductor/metrics"
	"github.com/richinex/conductor/orchestration"
	"github.com/richinex/conductor/servers"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server provides the HTTP API.
type Server struct {
	orch    *orchestration.Orchestrator
	servers *servers.Directory
	mcp     *mcp.Manager
	mux     *http.ServeMux
	logger  *slog.Logger
}

// New creates a server. logger may be nil.
func New(orch *orchestration.Orchestrator, dir *servers.Directory, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		orch:    orch,
		servers: dir,
		mux:     http.NewServeMux(),
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

// WithMCP exposes the bridged MCP servers under /api/mcp.
func (s *Server) WithMCP(manager *mcp.Manager) *Server {
	s.mcp = manager
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("GET /api/agents", s.handleListAgents)
	s.mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	s.mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	s.mux.HandleFunc("PUT /api/agents/{id}", s.handleUpdateAgent)
	s.mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)
	s.mux.HandleFunc("POST /api/agents/{id}/run", s.handleRunAgent)

	s.mux.HandleFunc("GET /api/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)
	s.mux.HandleFunc("POST /api/runs/{id}/confirm", s.handleConfirmRun)

	s.mux.HandleFunc("GET /api/tools", s.handleListTools)
	s.mux.HandleFunc("PUT /api/tools/{name}", s.handleUpdateTool)

	s.mux.HandleFunc("GET /api/servers", s.handleListServers)
	s.mux.HandleFunc("POST /api/servers", s.handleAddServer)
	s.mux.HandleFunc("DELETE /api/servers/{id}", s.handleRemoveServer)
	s.mux.HandleFunc("POST /api/servers/{id}/refresh", s.handleRefreshServer)

	s.mux.HandleFunc("GET /api/mcp", s.handleListMCP)
}

// Handler returns the routed handler wrapped in metrics and CORS
// middleware.
func (s *Server) Handler() http.Handler {
	return metrics.Middleware(CORS(s.mux))
}

// Serve listens on addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: run streams stay open for the length of a run.
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("api shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

// CORS allows browser clients on any origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
