package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hatch/pkg/agent"
	"hatch/pkg/config"
	"hatch/pkg/exec"
	"hatch/pkg/git"
	"hatch/pkg/persistence"
	"hatch/pkg/workspace"
)

type stubExecutor struct {
	mu       sync.Mutex
	handlers map[string]func(cmd []string) (exec.Result, error)
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{handlers: make(map[string]func(cmd []string) (exec.Result, error))}
}

func (s *stubExecutor) on(prefix string, fn func(cmd []string) (exec.Result, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[prefix] = fn
}

func (s *stubExecutor) Run(ctx context.Context, cmd []string, opts *exec.Opts) (exec.Result, error) {
	joined := strings.Join(cmd, " ")
	s.mu.Lock()
	var handler func([]string) (exec.Result, error)
	for prefix, fn := range s.handlers {
		if strings.HasPrefix(joined, prefix) {
			handler = fn
			break
		}
	}
	s.mu.Unlock()
	if handler != nil {
		return handler(cmd)
	}
	// Mirror real git: a successful worktree add materializes the directory,
	// which the agent spawner chdirs into.
	if strings.HasPrefix(joined, "git worktree add") && len(cmd) > 0 {
		if err := os.MkdirAll(cmd[len(cmd)-1], 0o755); err != nil {
			return exec.Result{ExitCode: 1, Stderr: err.Error()}, nil
		}
	}
	return exec.Result{ExitCode: 0}, nil
}

func (s *stubExecutor) Name() exec.ExecutorType { return "stub" }
func (s *stubExecutor) Available() bool         { return true }

type apiEnv struct {
	server *Server
	stub   *stubExecutor
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	stub := newStubExecutor()
	coord := git.NewCoordinator(stub)
	t.Cleanup(coord.Close)

	db, err := persistence.InitializeDatabase(filepath.Join(t.TempDir(), "hatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	manifest, err := config.LoadManifest(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, manifest.Register(config.Repository{
		ID:        "api",
		Name:      "API server",
		Root:      t.TempDir(),
		RemoteURL: "https://github.com/acme/api.git",
	}))

	agents := agent.NewManager(&config.AgentConfig{
		MaxConcurrent: 2,
		Types: map[string]config.AgentTypeConfig{
			"sleeper": {Command: "sleep", Args: []string{"60"}},
		},
	})
	t.Cleanup(agents.KillAll)

	workspaces, err := workspace.NewManager(coord, git.NewWorktreeManager(coord), agents,
		persistence.NewWorkspaceStore(db), manifest, nil, stub, t.TempDir())
	require.NoError(t, err)

	return &apiEnv{
		server: NewServer("127.0.0.1:0", coord, workspaces, agents),
		stub:   stub,
	}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) createWorkspace(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/workspaces", createWorkspaceRequest{
		RepositoryID: "api",
		Title:        "Add rate limiting",
		AgentType:    "sleeper",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var ws workspace.Workspace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ws))
	require.NotEmpty(t, ws.ID)
	return ws.ID
}

func TestHealthz(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/api/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestCreateAndGetWorkspace(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createWorkspace(t)

	rec := env.do(t, http.MethodGet, "/api/workspaces/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var ws workspace.Workspace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ws))
	assert.Equal(t, "api", ws.RepositoryID)
	assert.Equal(t, workspace.StatusBacklog, ws.WorkflowStatus)
}

func TestCreateWorkspaceValidation(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/workspaces", createWorkspaceRequest{Title: "no repo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWorkspaceNotFound(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/api/workspaces/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListWorkspaces(t *testing.T) {
	env := newAPIEnv(t)
	env.createWorkspace(t)

	rec := env.do(t, http.MethodGet, "/api/workspaces", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []workspace.Workspace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestListWorkspacesStatusFilter(t *testing.T) {
	env := newAPIEnv(t)
	env.createWorkspace(t)

	rec := env.do(t, http.MethodGet, "/api/workspaces?status=backlog", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []workspace.Workspace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = env.do(t, http.MethodGet, "/api/workspaces?status=done", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list)

	rec = env.do(t, http.MethodGet, "/api/workspaces?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateStatus(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createWorkspace(t)

	rec := env.do(t, http.MethodPost, "/api/workspaces/"+id+"/status",
		statusRequest{Status: "in-review"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/workspaces/"+id, nil)
	var ws workspace.Workspace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ws))
	assert.Equal(t, workspace.StatusInReview, ws.WorkflowStatus)
}

func TestUpdateStatusRejectsUnknown(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createWorkspace(t)

	rec := env.do(t, http.MethodPost, "/api/workspaces/"+id+"/status",
		statusRequest{Status: "shipped"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessageMovesToInProgress(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createWorkspace(t)

	rec := env.do(t, http.MethodPost, "/api/workspaces/"+id+"/message",
		messageRequest{Message: "please start"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/workspaces/"+id, nil)
	var ws workspace.Workspace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ws))
	assert.Equal(t, workspace.StatusInProgress, ws.WorkflowStatus)
}

func TestArchiveWorkspace(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createWorkspace(t)

	rec := env.do(t, http.MethodPost, "/api/workspaces/"+id+"/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/workspaces/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPendingRetryLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createWorkspace(t)

	env.stub.on("git push", func([]string) (exec.Result, error) {
		return exec.Result{ExitCode: 128, Stderr: "fatal: Authentication failed"}, nil
	})
	rec := env.do(t, http.MethodPost, "/api/workspaces/"+id+"/push", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pushChanges")

	env.stub.on("git push", func([]string) (exec.Result, error) {
		return exec.Result{ExitCode: 0}, nil
	})
	rec = env.do(t, http.MethodPost, "/api/login", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/retry", nil)
	var resp struct {
		Pending *workspace.PendingAuthRetryOperation `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Pending)
}

func TestDismissRetry(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createWorkspace(t)

	env.stub.on("git push", func([]string) (exec.Result, error) {
		return exec.Result{ExitCode: 128, Stderr: "fatal: Authentication failed"}, nil
	})
	env.do(t, http.MethodPost, fmt.Sprintf("/api/workspaces/%s/push", id), nil)

	rec := env.do(t, http.MethodDelete, "/api/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/retry", nil)
	assert.NotContains(t, rec.Body.String(), "pushChanges")
}

func TestRefreshPREndpoint(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createWorkspace(t)

	env.stub.on("gh pr list", func([]string) (exec.Result, error) {
		return exec.Result{ExitCode: 0,
			Stdout: `[{"number":7,"url":"https://github.com/acme/api/pull/7","state":"OPEN"}]`}, nil
	})

	rec := env.do(t, http.MethodGet, "/api/workspaces/"+id+"/pr", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var ws workspace.Workspace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ws))
	require.NotNil(t, ws.PRNumber)
	assert.Equal(t, 7, *ws.PRNumber)
}

func TestAgentsEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Agents        []agent.Process `json:"agents"`
		Running       int             `json:"running"`
		MaxConcurrent int             `json:"maxConcurrent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.MaxConcurrent)
	assert.Zero(t, resp.Running)
	assert.Empty(t, resp.Agents)
}

func TestQueuesEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	env.createWorkspace(t)

	rec := env.do(t, http.MethodGet, "/api/queues", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
