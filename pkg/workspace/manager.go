package workspace

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hatch/pkg/agent"
	"hatch/pkg/config"
	"hatch/pkg/exec"
	"hatch/pkg/git"
	"hatch/pkg/github"
	"hatch/pkg/logx"
	"hatch/pkg/metrics"
	"hatch/pkg/persistence"
	"hatch/pkg/utils"
)

// Notifier is the sink for user-visible messages. The auth banner stays up
// from the first auth-expired failure until a login replay resolves it.
type Notifier interface {
	Notify(workspaceID, message string)
	SetAuthBanner(visible bool)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(string, string) {}
func (NopNotifier) SetAuthBanner(bool)    {}

// Manager owns the active workspace set, the workflow state machine, and the
// process-wide auth retry slot.
type Manager struct {
	coord     *git.Coordinator
	worktrees *git.WorktreeManager
	agents    *agent.Manager
	store     *persistence.WorkspaceStore
	manifest  *config.Manifest
	notifier  Notifier
	logger    *logx.Logger

	// ghExec runs read-only gh commands (auth status, PR lookups) that need
	// no queue slot. Mutating gh commands still go through the coordinator.
	ghExec exec.Executor

	worktreeBase string

	mu           sync.Mutex
	workspaces   map[string]*Workspace
	pendingRetry *PendingAuthRetryOperation
}

// NewManager builds a manager and restores persisted workspaces. Transient
// state (git activity, initialization flag, agent binding) is reset: a
// restored workspace is always idle with no agent until spoken to again.
func NewManager(
	coord *git.Coordinator,
	worktrees *git.WorktreeManager,
	agents *agent.Manager,
	store *persistence.WorkspaceStore,
	manifest *config.Manifest,
	notifier Notifier,
	ghExec exec.Executor,
	worktreeBase string,
) (*Manager, error) {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if ghExec == nil {
		ghExec = exec.NewLocalExec()
	}

	m := &Manager{
		coord:        coord,
		worktrees:    worktrees,
		agents:       agents,
		store:        store,
		manifest:     manifest,
		notifier:     notifier,
		logger:       logx.NewLogger("workspace"),
		ghExec:       ghExec,
		worktreeBase: worktreeBase,
		workspaces:   make(map[string]*Workspace),
	}

	records, err := store.ListActive()
	if err != nil {
		return nil, fmt.Errorf("failed to restore workspaces: %w", err)
	}
	for _, rec := range records {
		ws := m.fromRecord(rec)
		m.workspaces[ws.ID] = ws
	}

	payload, err := store.GetRetrySlot()
	if err != nil {
		return nil, fmt.Errorf("failed to restore retry slot: %w", err)
	}
	if payload != nil {
		op, decodeErr := DecodeRetryOperation(*payload)
		if decodeErr != nil {
			m.logger.Warn("Dropping unreadable retry slot: %v", decodeErr)
			_ = store.ClearRetrySlot()
		} else {
			m.pendingRetry = op
			m.notifier.SetAuthBanner(true)
		}
	}

	m.logger.Info("Restored %d active workspaces", len(m.workspaces))
	return m, nil
}

func (m *Manager) fromRecord(rec *persistence.WorkspaceRecord) *Workspace {
	ws := &Workspace{
		ID:             rec.ID,
		RepositoryID:   rec.RepositoryID,
		Title:          rec.Title,
		BranchName:     rec.BranchName,
		LocalPath:      rec.LocalPath,
		Status:         ActivityIdle,
		WorkflowStatus: WorkflowStatus(rec.WorkflowStatus),
		AgentType:      rec.AgentType,
		PRNumber:       rec.PRNumber,
		PRURL:          rec.PRURL,
		PRState:        rec.PRState,
		CreatedAt:      rec.CreatedAt,
		LastActive:     rec.LastActiveAt,
	}
	if repo, ok := m.manifest.Get(rec.RepositoryID); ok {
		ws.RepoPath = repo.Root
	}
	return ws
}

func (m *Manager) toRecord(ws *Workspace) *persistence.WorkspaceRecord {
	return &persistence.WorkspaceRecord{
		ID:             ws.ID,
		RepositoryID:   ws.RepositoryID,
		Title:          ws.Title,
		BranchName:     ws.BranchName,
		LocalPath:      ws.LocalPath,
		WorkflowStatus: string(ws.WorkflowStatus),
		AgentType:      ws.AgentType,
		PRNumber:       ws.PRNumber,
		PRURL:          ws.PRURL,
		PRState:        ws.PRState,
		CreatedAt:      ws.CreatedAt,
		LastActiveAt:   ws.LastActive,
	}
}

// Create provisions a new workspace: a branch name, a worktree, and a backlog
// entry. The repository must be registered before anything is enqueued.
func (m *Manager) Create(ctx context.Context, repoID, title, agentType string) (*Workspace, error) {
	repo, ok := m.manifest.Get(repoID)
	if !ok {
		return nil, fmt.Errorf("unknown repository: %s", repoID)
	}

	id := uuid.New().String()
	branch := fmt.Sprintf("hatch/%s-%s", utils.SanitizeBranchName(title), id[:8])
	worktreePath := filepath.Join(m.worktreeBase, repo.ID, id[:8])
	now := time.Now().UTC()

	ws := &Workspace{
		ID:             id,
		RepositoryID:   repo.ID,
		Title:          title,
		BranchName:     branch, // Provisional until the worktree exists
		LocalPath:      worktreePath,
		RepoPath:       repo.Root,
		Status:         ActivityIdle,
		WorkflowStatus: StatusBacklog,
		AgentType:      agentType,
		IsInitializing: true,
		CreatedAt:      now,
		LastActive:     now,
	}

	m.mu.Lock()
	m.workspaces[id] = ws
	m.mu.Unlock()

	if err := m.store.Upsert(m.toRecord(ws)); err != nil {
		m.forget(id)
		return nil, err
	}

	info, err := m.worktrees.Create(ctx, repo.Root, branch, worktreePath)
	if err != nil {
		m.forget(id)
		_ = m.store.Delete(id)
		return nil, fmt.Errorf("failed to create workspace %s: %w", id, err)
	}

	m.mu.Lock()
	ws.LocalPath = info.Path
	ws.IsInitializing = false
	snapshot := *ws
	m.mu.Unlock()

	if err := m.store.Upsert(m.toRecord(&snapshot)); err != nil {
		return nil, err
	}

	m.logger.Info("Created workspace %s (%s) on branch %s", id, title, branch)
	return &snapshot, nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.workspaces, id)
	m.mu.Unlock()
}

// Get returns a copy of one active workspace.
func (m *Manager) Get(id string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	cp := *ws
	return &cp, nil
}

// List returns copies of all active workspaces.
func (m *Manager) List() []Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		out = append(out, *ws)
	}
	return out
}

// SendMessage delivers a chat message to the workspace's agent, spawning it
// if needed. The first message moves a backlog workspace to in-progress;
// repeating the call never regresses the status.
func (m *Manager) SendMessage(ctx context.Context, id, message string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	if ws.IsInitializing {
		m.mu.Unlock()
		return fmt.Errorf("workspace %s is still initializing", id)
	}
	worktreePath := ws.LocalPath
	agentType := ws.AgentType
	m.mu.Unlock()

	proc, getErr := m.agents.Get(id)
	if getErr != nil || proc.Status.IsTerminal() {
		spawned, spawnErr := m.agents.Spawn(ctx, id, worktreePath, agentType)
		if spawnErr != nil {
			return spawnErr
		}
		m.mu.Lock()
		ws.AgentID = spawned.ID
		m.mu.Unlock()
	}
	m.agents.RecordActivity(id)

	if err := m.MarkInProgress(id); err != nil {
		return err
	}

	logx.Debug(ctx, "workspace", "Message delivered to %s: %d bytes", id, len(message))
	return nil
}

// MarkInProgress is the automatic first-message transition. Idempotent: it
// only moves a workspace out of backlog, never backward.
func (m *Manager) MarkInProgress(id string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	if ws.WorkflowStatus != StatusBacklog {
		m.mu.Unlock()
		return nil
	}
	ws.WorkflowStatus = StatusInProgress
	ws.LastActive = time.Now().UTC()
	snapshot := *ws
	m.mu.Unlock()

	return m.store.UpdateWorkflowStatus(id, string(StatusInProgress), snapshot.LastActive)
}

// UpdateWorkflowStatus is the manual override: it may move the status in any
// direction, including backward.
func (m *Manager) UpdateWorkflowStatus(id string, status WorkflowStatus) error {
	if !ValidWorkflowStatus(status) {
		return fmt.Errorf("invalid workflow status: %q", status)
	}

	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	ws.WorkflowStatus = status
	ws.LastActive = time.Now().UTC()
	at := ws.LastActive
	m.mu.Unlock()

	return m.store.UpdateWorkflowStatus(id, string(status), at)
}

// Archive retires a workspace: its agent is killed first, the record is
// archived, and the worktree is removed best-effort. Removal failure never
// blocks logical deletion. Archiving an already-archived workspace is a
// no-op.
func (m *Manager) Archive(ctx context.Context, id string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	ws.WorkflowStatus = StatusDone
	repoPath := ws.RepoPath
	localPath := ws.LocalPath
	hasPR := ws.PRNumber != nil
	m.mu.Unlock()

	// Capture the PR's final state (merged, closed) while the workspace is
	// still live. Best effort: GitHub being unreachable must not block
	// archiving.
	if hasPR {
		if _, err := m.RefreshPullRequest(ctx, id); err != nil {
			m.logger.Warn("Could not refresh PR state for %s before archive: %v", id, err)
		}
	}

	// Kill before removing the worktree so the agent is not holding file
	// handles inside a directory being deleted.
	if err := m.agents.Kill(id); err != nil {
		return fmt.Errorf("failed to kill agent for %s: %w", id, err)
	}

	now := time.Now().UTC()
	if err := m.store.UpdateWorkflowStatus(id, string(StatusDone), now); err != nil {
		return err
	}
	if err := m.store.Archive(id, now); err != nil {
		return err
	}
	m.forget(id)

	if err := m.worktrees.Remove(ctx, repoPath, localPath); err != nil {
		m.logger.Warn("Worktree removal for archived workspace %s failed: %v", id, err)
	}

	m.logger.Info("Archived workspace %s", id)
	return nil
}

// CommitAll stages and commits everything in the workspace's worktree.
func (m *Manager) CommitAll(ctx context.Context, id, message string) error {
	ws, err := m.Get(id)
	if err != nil {
		return err
	}

	m.setActivity(id, ActivityWorking)
	_, err = m.coord.EnqueueWait(ctx, git.Request{
		RepoRoot:     ws.RepoPath,
		WorktreePath: ws.LocalPath,
		Command:      "add",
		Args:         []string{"-A"},
	})
	if err == nil {
		_, err = m.coord.EnqueueWait(ctx, git.Request{
			RepoRoot:     ws.RepoPath,
			WorktreePath: ws.LocalPath,
			Command:      "commit",
			Args:         []string{"-m", message},
		})
	}
	return m.finishActivity(id, err)
}

// PushChanges pushes the workspace's branch. An auth-expired failure parks a
// retry descriptor and still returns the error to the caller.
func (m *Manager) PushChanges(ctx context.Context, id string) error {
	ws, err := m.Get(id)
	if err != nil {
		return err
	}

	m.setActivity(id, ActivityWorking)
	_, err = m.coord.EnqueueWait(ctx, git.Request{
		RepoRoot:     ws.RepoPath,
		WorktreePath: ws.LocalPath,
		Command:      "push",
		Args:         []string{"--set-upstream", "origin", ws.BranchName},
	})
	err = m.finishActivity(id, err)

	if git.IsAuthExpired(err) {
		m.recordAuthRetry(&PendingAuthRetryOperation{
			Type:        RetryPushChanges,
			WorkspaceID: id,
		})
	}
	return err
}

// CreatePullRequest creates a PR for the workspace's branch through the
// coordinator and on success moves the workspace to in-review. The branch is
// expected to have been pushed already.
func (m *Manager) CreatePullRequest(ctx context.Context, id, title, body string) error {
	ws, err := m.Get(id)
	if err != nil {
		return err
	}

	repo, ok := m.manifest.Get(ws.RepositoryID)
	if !ok {
		return fmt.Errorf("unknown repository: %s", ws.RepositoryID)
	}
	repoPath, parseErr := repoSlug(repo.RemoteURL)
	if parseErr != nil {
		return parseErr
	}

	// A branch already carrying a PR gets a clear error instead of a gh
	// failure. The check is advisory: if gh cannot answer (offline, auth
	// expired) creation proceeds and fails through the normal path.
	if client, clientErr := m.githubClient(repo.RemoteURL); clientErr == nil {
		if exists, checkErr := client.PRExists(ctx, ws.BranchName); checkErr == nil && exists {
			return fmt.Errorf("a pull request already exists for branch %s", ws.BranchName)
		}
	}

	opts := github.PRCreateOptions{
		Title: title,
		Body:  body,
		Head:  ws.BranchName,
		Base:  repo.DefaultBranch,
	}

	m.setActivity(id, ActivityWorking)
	op, err := m.coord.EnqueueWait(ctx, git.Request{
		RepoRoot:     ws.RepoPath,
		WorktreePath: ws.LocalPath,
		Command:      "pr-create",
		Args:         opts.Args(repoPath),
	})
	err = m.finishActivity(id, err)

	if err != nil {
		if git.IsAuthExpired(err) {
			m.recordAuthRetry(&PendingAuthRetryOperation{
				Type:        RetryCreatePullRequest,
				WorkspaceID: id,
				PRTitle:     title,
				PRBody:      body,
			})
		}
		return err
	}

	prURL := strings.TrimSpace(op.Stdout)
	m.mu.Lock()
	if live, ok := m.workspaces[id]; ok {
		live.PRURL = &prURL
		if n, numErr := prNumberFromURL(prURL); numErr == nil {
			live.PRNumber = &n
		}
		state := "OPEN"
		live.PRState = &state
		snapshot := *live
		m.mu.Unlock()
		if persistErr := m.store.Upsert(m.toRecord(&snapshot)); persistErr != nil {
			return persistErr
		}
	} else {
		m.mu.Unlock()
	}

	// Successful PR creation advances the workflow.
	return m.UpdateWorkflowStatus(id, StatusInReview)
}

// githubClient builds a read-side gh client for the given remote.
func (m *Manager) githubClient(remoteURL string) (*github.Client, error) {
	client, err := github.NewClientFromRemote(remoteURL)
	if err != nil {
		return nil, err
	}
	return client.WithExecutor(m.ghExec), nil
}

// RefreshPullRequest re-reads the workspace's PR from GitHub and updates the
// cached number, URL, and state. Workspaces that pushed a branch but created
// the PR elsewhere (gh web, another tool) are adopted by branch lookup.
func (m *Manager) RefreshPullRequest(ctx context.Context, id string) (*Workspace, error) {
	ws, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	repo, ok := m.manifest.Get(ws.RepositoryID)
	if !ok {
		return nil, fmt.Errorf("unknown repository: %s", ws.RepositoryID)
	}
	client, err := m.githubClient(repo.RemoteURL)
	if err != nil {
		return nil, err
	}

	var pr *github.PullRequest
	if ws.PRNumber != nil {
		pr, err = client.GetPR(ctx, strconv.Itoa(*ws.PRNumber))
		if err != nil {
			return nil, err
		}
	} else {
		prs, listErr := client.ListPRsForBranch(ctx, ws.BranchName)
		if listErr != nil {
			return nil, listErr
		}
		if len(prs) == 0 {
			return nil, fmt.Errorf("no pull request found for branch %s", ws.BranchName)
		}
		pr = &prs[0]
	}

	state := pr.State
	if pr.IsMerged() {
		state = "MERGED"
	}

	m.mu.Lock()
	live, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return nil, &NotFoundError{ID: id}
	}
	live.PRNumber = &pr.Number
	live.PRURL = &pr.URL
	live.PRState = &state
	snapshot := *live
	m.mu.Unlock()

	if persistErr := m.store.Upsert(m.toRecord(&snapshot)); persistErr != nil {
		return nil, persistErr
	}
	return &snapshot, nil
}

// CloneRepository clones a registered repository to its configured root.
func (m *Manager) CloneRepository(ctx context.Context, repoID string) error {
	repo, ok := m.manifest.Get(repoID)
	if !ok {
		return fmt.Errorf("unknown repository: %s", repoID)
	}

	_, err := m.coord.EnqueueWait(ctx, git.Request{
		RepoRoot: repo.Root,
		Command:  "clone",
		Args:     []string{repo.RemoteURL, repo.Root},
	})
	if git.IsAuthExpired(err) {
		m.recordAuthRetry(&PendingAuthRetryOperation{
			Type:   RetryCloneRepository,
			RepoID: repoID,
		})
	}
	return err
}

// PendingRetry returns a copy of the parked retry operation, if any.
func (m *Manager) PendingRetry() *PendingAuthRetryOperation {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingRetry == nil {
		return nil
	}
	cp := *m.pendingRetry
	return &cp
}

// DismissPendingRetry drops the parked retry without replaying it.
func (m *Manager) DismissPendingRetry() error {
	m.mu.Lock()
	m.pendingRetry = nil
	m.mu.Unlock()

	m.notifier.SetAuthBanner(false)
	return m.store.ClearRetrySlot()
}

// OnLoginSucceeded verifies the new credentials, then replays the parked
// operation exactly once. The slot is cleared before the replay runs, so a
// renewed failure does not loop; if the replay fails with another auth
// expiry, the normal failure path parks a fresh descriptor. A login claim
// that does not pass the auth check leaves the slot untouched.
func (m *Manager) OnLoginSucceeded(ctx context.Context) error {
	// A login claim with no working credentials must not consume the retry
	// slot: the replay would just fail auth again.
	if err := github.CheckAuth(ctx, m.ghExec); err != nil {
		return err
	}

	m.mu.Lock()
	op := m.pendingRetry
	m.pendingRetry = nil
	m.mu.Unlock()

	m.notifier.SetAuthBanner(false)
	if err := m.store.ClearRetrySlot(); err != nil {
		return err
	}
	if op == nil {
		return nil
	}

	m.logger.Info("Replaying after login: %s", op.Describe())
	err := m.dispatchRetry(ctx, op)
	if err != nil {
		metrics.AuthRetriesTotal.WithLabelValues("failure").Inc()
		m.notifier.Notify(op.WorkspaceID, fmt.Sprintf("Retry failed: could not %s.", op.Describe()))
		return err
	}

	metrics.AuthRetriesTotal.WithLabelValues("success").Inc()
	m.notifier.Notify(op.WorkspaceID, fmt.Sprintf("Back online: %s succeeded.", op.Describe()))
	return nil
}

// dispatchRetry is the exhaustive match over the retry union.
func (m *Manager) dispatchRetry(ctx context.Context, op *PendingAuthRetryOperation) error {
	switch op.Type {
	case RetryCloneRepository:
		return m.CloneRepository(ctx, op.RepoID)
	case RetryPushChanges:
		return m.PushChanges(ctx, op.WorkspaceID)
	case RetryCreatePullRequest:
		return m.CreatePullRequest(ctx, op.WorkspaceID, op.PRTitle, op.PRBody)
	default:
		return fmt.Errorf("unknown retry operation type: %q", op.Type)
	}
}

// recordAuthRetry parks a retry descriptor, overwriting any previous one, and
// raises the auth banner.
func (m *Manager) recordAuthRetry(op *PendingAuthRetryOperation) {
	m.mu.Lock()
	m.pendingRetry = op
	m.mu.Unlock()

	if payload, err := op.Encode(); err == nil {
		if saveErr := m.store.SaveRetrySlot(payload, time.Now().UTC()); saveErr != nil {
			m.logger.Warn("Failed to persist retry slot: %v", saveErr)
		}
	}

	m.notifier.SetAuthBanner(true)
	m.notifier.Notify(op.WorkspaceID,
		"GitHub authentication expired. Sign in again to retry automatically.")
	m.logger.Warn("Auth expired; parked retry: %s", op.Describe())
}

// setActivity updates the workspace's git-activity status.
func (m *Manager) setActivity(id string, status ActivityStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ws, ok := m.workspaces[id]; ok {
		ws.Status = status
	}
}

// finishActivity applies the operation outcome to the activity status. Any
// success clears a previous error back to idle.
func (m *Manager) finishActivity(id string, err error) error {
	if err != nil {
		m.setActivity(id, ActivityError)
		return err
	}
	m.setActivity(id, ActivityIdle)
	return nil
}

// repoSlug derives the owner/repo path used by gh from a remote URL.
func repoSlug(remoteURL string) (string, error) {
	owner, repo, err := github.ParseGitHubURL(remoteURL)
	if err != nil {
		return "", fmt.Errorf("cannot derive GitHub repo from remote: %w", err)
	}
	return owner + "/" + repo, nil
}

// prNumberFromURL extracts the PR number from a GitHub PR URL.
func prNumberFromURL(url string) (int, error) {
	idx := strings.LastIndex(url, "/")
	if idx < 0 || idx == len(url)-1 {
		return 0, fmt.Errorf("no PR number in URL: %s", url)
	}
	n, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("no PR number in URL %s: %w", url, err)
	}
	return n, nil
}
