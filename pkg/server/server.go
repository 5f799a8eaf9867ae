// Package server exposes the daemon's local HTTP API: workspace lifecycle,
// queue introspection, the auth-retry protocol, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hatch/pkg/agent"
	"hatch/pkg/git"
	"hatch/pkg/logx"
	"hatch/pkg/workspace"
)

// Server is the daemon's HTTP front end.
type Server struct {
	coord      *git.Coordinator
	workspaces *workspace.Manager
	agents     *agent.Manager
	logger     *logx.Logger
	httpServer *http.Server
}

// NewServer wires the API over the given managers.
func NewServer(addr string, coord *git.Coordinator, workspaces *workspace.Manager, agents *agent.Manager) *Server {
	s := &Server{
		coord:      coord,
		workspaces: workspaces,
		agents:     agents,
		logger:     logx.NewLogger("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/healthz", s.handleHealth)
	mux.HandleFunc("GET /api/queues", s.handleQueues)
	mux.HandleFunc("GET /api/workspaces", s.handleListWorkspaces)
	mux.HandleFunc("POST /api/workspaces", s.handleCreateWorkspace)
	mux.HandleFunc("GET /api/workspaces/{id}", s.handleGetWorkspace)
	mux.HandleFunc("POST /api/workspaces/{id}/message", s.handleSendMessage)
	mux.HandleFunc("POST /api/workspaces/{id}/status", s.handleUpdateStatus)
	mux.HandleFunc("POST /api/workspaces/{id}/commit", s.handleCommit)
	mux.HandleFunc("POST /api/workspaces/{id}/push", s.handlePush)
	mux.HandleFunc("POST /api/workspaces/{id}/pr", s.handleCreatePR)
	mux.HandleFunc("GET /api/workspaces/{id}/pr", s.handleRefreshPR)
	mux.HandleFunc("POST /api/workspaces/{id}/archive", s.handleArchive)
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("GET /api/retry", s.handlePendingRetry)
	mux.HandleFunc("DELETE /api/retry", s.handleDismissRetry)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("API listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the server's root handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// errorStatus maps domain errors onto HTTP statuses.
func errorStatus(err error) int {
	var notFound *workspace.NotFoundError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrAgentCapacity):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
