package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hatch/pkg/logx"
)

// WorktreeManager creates, locks, removes, repairs, and prunes git worktrees.
// Every mutation routes through the coordinator so a worktree create can never
// interleave with a concurrent branch operation on the same repo.
type WorktreeManager struct {
	coord  *Coordinator
	logger *logx.Logger
}

// NewWorktreeManager creates a worktree manager on top of the coordinator.
func NewWorktreeManager(coord *Coordinator) *WorktreeManager {
	return &WorktreeManager{
		coord:  coord,
		logger: logx.NewLogger("worktree"),
	}
}

// Create adds a worktree for a new branch at worktreePath. It runs as a single
// critical-priority operation so it serializes against every other mutation on
// the repo.
func (m *WorktreeManager) Create(ctx context.Context, repoRoot, branch, worktreePath string) (*WorktreeInfo, error) {
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree parent directory: %w", err)
	}

	op, err := m.coord.EnqueueWait(ctx, Request{
		RepoRoot: repoRoot,
		Command:  "worktree-create",
		Args:     []string{"-b", branch, worktreePath},
		Priority: PriorityCritical,
	})
	if err != nil {
		return nil, fmt.Errorf("worktree create failed for %s: %w", worktreePath, err)
	}

	info := &WorktreeInfo{
		Path:         worktreePath,
		Branch:       branch,
		HealthStatus: HealthHealthy,
	}

	// Best effort: resolve the fresh worktree's HEAD for the caller.
	if head, headErr := m.headCommit(ctx, repoRoot, worktreePath); headErr == nil {
		info.HeadCommit = head
	}

	m.logger.Info("Created worktree %s on branch %s (op %s)", worktreePath, branch, op.ID)
	return info, nil
}

// Lock marks a worktree as locked to prevent accidental removal.
func (m *WorktreeManager) Lock(ctx context.Context, repoRoot, worktreePath, reason string) error {
	args := []string{worktreePath}
	if reason != "" {
		args = []string{"--reason", reason, worktreePath}
	}
	_, err := m.coord.EnqueueWait(ctx, Request{
		RepoRoot: repoRoot,
		Command:  "worktree-lock",
		Args:     args,
	})
	if err != nil {
		return fmt.Errorf("worktree lock failed for %s: %w", worktreePath, err)
	}
	return nil
}

// Unlock removes a worktree lock.
func (m *WorktreeManager) Unlock(ctx context.Context, repoRoot, worktreePath string) error {
	_, err := m.coord.EnqueueWait(ctx, Request{
		RepoRoot: repoRoot,
		Command:  "worktree-unlock",
		Args:     []string{worktreePath},
	})
	if err != nil {
		return fmt.Errorf("worktree unlock failed for %s: %w", worktreePath, err)
	}
	return nil
}

// Remove deletes a worktree. The directory having been deleted out-of-band is
// an expected failure mode: "not found" counts as success, and stale
// administrative references are pruned.
func (m *WorktreeManager) Remove(ctx context.Context, repoRoot, worktreePath string) error {
	op, err := m.coord.EnqueueWait(ctx, Request{
		RepoRoot: repoRoot,
		Command:  "worktree-remove",
		Args:     []string{"--force", worktreePath},
	})
	if err != nil {
		if op != nil && isMissingWorktree(op.Stderr) {
			m.logger.Info("Worktree %s already gone, pruning stale references", worktreePath)
			return m.Prune(ctx, repoRoot)
		}
		return fmt.Errorf("worktree remove failed for %s: %w", worktreePath, err)
	}
	return nil
}

// Repair attempts to re-link orphaned or corrupted worktree registrations.
func (m *WorktreeManager) Repair(ctx context.Context, repoRoot string, worktreePaths ...string) error {
	_, err := m.coord.EnqueueWait(ctx, Request{
		RepoRoot: repoRoot,
		Command:  "worktree-repair",
		Args:     worktreePaths,
	})
	if err != nil {
		return fmt.Errorf("worktree repair failed for %s: %w", repoRoot, err)
	}
	return nil
}

// Prune removes stale administrative references for worktrees whose
// directories are already gone. Idempotent, safe to run frequently.
func (m *WorktreeManager) Prune(ctx context.Context, repoRoot string) error {
	_, err := m.coord.EnqueueWait(ctx, Request{
		RepoRoot: repoRoot,
		Command:  "worktree-prune",
	})
	if err != nil {
		return fmt.Errorf("worktree prune failed for %s: %w", repoRoot, err)
	}
	return nil
}

// List returns all registered worktrees for the repository with health set.
func (m *WorktreeManager) List(ctx context.Context, repoRoot string) ([]WorktreeInfo, error) {
	op, err := m.coord.EnqueueWait(ctx, Request{
		RepoRoot: repoRoot,
		Command:  "worktree-list",
		Args:     []string{"--porcelain"},
	})
	if err != nil {
		return nil, fmt.Errorf("worktree list failed for %s: %w", repoRoot, err)
	}

	infos := parseWorktreeList(op.Stdout)

	// The first entry is the main checkout itself; callers only manage linked
	// worktrees.
	var linked []WorktreeInfo
	for i := range infos {
		if filepath.Clean(infos[i].Path) == filepath.Clean(repoRoot) {
			continue
		}
		infos[i].HealthStatus = m.classifyHealth(&infos[i], true)
		linked = append(linked, infos[i])
	}
	return linked, nil
}

// GetHealth classifies a single worktree's condition.
func (m *WorktreeManager) GetHealth(ctx context.Context, repoRoot, worktreePath string) (HealthStatus, error) {
	infos, err := m.List(ctx, repoRoot)
	if err != nil {
		return "", err
	}

	for i := range infos {
		if filepath.Clean(infos[i].Path) == filepath.Clean(worktreePath) {
			return infos[i].HealthStatus, nil
		}
	}

	// Git no longer knows this worktree. A directory left behind is orphaned;
	// a fully absent worktree has no health to report.
	if _, statErr := os.Stat(worktreePath); statErr == nil {
		return HealthOrphaned, nil
	}
	return "", fmt.Errorf("worktree %s not found", worktreePath)
}

// classifyHealth inspects a registered worktree on disk.
func (m *WorktreeManager) classifyHealth(info *WorktreeInfo, registered bool) HealthStatus {
	if _, err := os.Stat(info.Path); os.IsNotExist(err) {
		return HealthOrphaned
	}
	if !registered {
		return HealthOrphaned
	}

	// A linked worktree's .git is a file pointing at the admin gitdir.
	gitFile := filepath.Join(info.Path, ".git")
	data, err := os.ReadFile(gitFile)
	if err != nil {
		return HealthOrphaned
	}
	gitdir := strings.TrimSpace(strings.TrimPrefix(string(data), "gitdir:"))
	if gitdir == "" {
		return HealthCorrupted
	}
	if !filepath.IsAbs(gitdir) {
		gitdir = filepath.Join(info.Path, gitdir)
	}
	if _, err := os.Stat(gitdir); err != nil {
		return HealthCorrupted
	}

	if info.IsLocked {
		return HealthLocked
	}
	return HealthHealthy
}

// headCommit resolves HEAD inside a worktree via a low-priority read.
func (m *WorktreeManager) headCommit(ctx context.Context, repoRoot, worktreePath string) (string, error) {
	op, err := m.coord.EnqueueWait(ctx, Request{
		RepoRoot:     repoRoot,
		WorktreePath: worktreePath,
		Command:      "rev-parse",
		Args:         []string{"HEAD"},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(op.Stdout), nil
}

// parseWorktreeList parses `git worktree list --porcelain` output.
func parseWorktreeList(output string) []WorktreeInfo {
	var infos []WorktreeInfo
	var current *WorktreeInfo

	flush := func() {
		if current != nil {
			infos = append(infos, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
			// Stray line before any worktree header; ignore.
		case strings.HasPrefix(line, "HEAD "):
			current.HeadCommit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		case line == "locked":
			current.IsLocked = true
		case strings.HasPrefix(line, "locked "):
			current.IsLocked = true
			current.LockReason = strings.TrimPrefix(line, "locked ")
		}
	}
	flush()
	return infos
}

// isMissingWorktree reports whether stderr indicates the worktree is already
// gone rather than a real failure.
func isMissingWorktree(stderr string) bool {
	lower := strings.ToLower(stderr)
	return containsAny(lower,
		"is not a working tree",
		"not a valid directory",
		"no such file or directory",
		"does not exist")
}
