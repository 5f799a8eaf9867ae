package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"hatch/pkg/workspace"
)

type createWorkspaceRequest struct {
	RepositoryID string `json:"repositoryId"`
	Title        string `json:"title"`
	AgentType    string `json:"agentType"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type commitRequest struct {
	Message string `json:"message"`
}

type prRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.GetQueueStatuses())
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list := s.workspaces.List()
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := workspace.WorkflowStatus(raw)
		if !workspace.ValidWorkflowStatus(status) {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown workflow status %q", raw))
			return
		}
		filtered := make([]workspace.Workspace, 0, len(list))
		for _, ws := range list {
			if ws.WorkflowStatus == status {
				filtered = append(filtered, ws)
			}
		}
		list = filtered
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.RepositoryID == "" || req.Title == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("repositoryId and title are required"))
		return
	}
	ws, err := s.workspaces.Create(r.Context(), req.RepositoryID, req.Title, req.AgentType)
	if err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaces.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("message is required"))
		return
	}
	if err := s.workspaces.SendMessage(r.Context(), r.PathValue("id"), req.Message); err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	status := workspace.WorkflowStatus(req.Status)
	if !workspace.ValidWorkflowStatus(status) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown workflow status %q", req.Status))
		return
	}
	if err := s.workspaces.UpdateWorkflowStatus(r.PathValue("id"), status); err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("commit message is required"))
		return
	}
	if err := s.workspaces.CommitAll(r.Context(), r.PathValue("id"), req.Message); err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if err := s.workspaces.PushChanges(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "pushed"})
}

func (s *Server) handleCreatePR(w http.ResponseWriter, r *http.Request) {
	var req prRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Title == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("title is required"))
		return
	}
	id := r.PathValue("id")
	if err := s.workspaces.CreatePullRequest(r.Context(), id, req.Title, req.Body); err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}
	ws, err := s.workspaces.Get(id)
	if err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleRefreshPR(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaces.RefreshPullRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if err := s.workspaces.Archive(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"agents":        s.agents.List(),
		"running":       s.agents.RunningCount(),
		"maxConcurrent": s.agents.MaxConcurrent(),
	})
}

func (s *Server) handlePendingRetry(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"pending": s.workspaces.PendingRetry()})
}

func (s *Server) handleDismissRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.workspaces.DismissPendingRetry(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := s.workspaces.OnLoginSucceeded(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
