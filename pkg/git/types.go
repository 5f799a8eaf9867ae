// Package git provides the coordination layer for all git and GitHub CLI
// mutations against local repositories: a per-repo-root operation queue with
// priority and cancellation, and the worktree lifecycle manager built on it.
//
// The load-bearing invariant lives here: within one repo root, at most one
// operation executes at a time. Distinct repo roots are fully independent
// serialization domains.
package git

import (
	"time"
)

// Priority controls queue ordering within one repo root.
type Priority string

// Priority tiers. Within a tier, operations execute in FIFO order.
const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// rank returns the scheduling rank; lower runs first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// OpStatus is the lifecycle state of a queued operation.
type OpStatus string

// Operation states. Completed, failed, cancelled, and timeout are terminal.
// Timeout is distinct from failed so callers can tell "the command errored"
// from "the command never returned".
const (
	StatusPending   OpStatus = "pending"
	StatusRunning   OpStatus = "running"
	StatusCompleted OpStatus = "completed"
	StatusFailed    OpStatus = "failed"
	StatusCancelled OpStatus = "cancelled"
	StatusTimeout   OpStatus = "timeout"
)

// IsTerminal returns true for states an operation never leaves.
func (s OpStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	case StatusPending, StatusRunning:
		return false
	default:
		return false
	}
}

// GitOperation is one queued unit of work against a repository.
type GitOperation struct {
	ID           string     `json:"id"`
	RepoRoot     string     `json:"repo_root"`
	WorktreePath string     `json:"worktree_path,omitempty"`
	Command      string     `json:"command"`
	Args         []string   `json:"args,omitempty"`
	Priority     Priority   `json:"priority"`
	Status       OpStatus   `json:"status"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// Err holds the classified failure for failed operations.
	Err *GitError `json:"error,omitempty"`

	// Stdout of the completed command, empty until terminal.
	Stdout string `json:"stdout,omitempty"`
	// Stderr of the completed command, empty until terminal.
	Stderr string `json:"stderr,omitempty"`
	// ExitCode of the completed command; meaningless until terminal.
	ExitCode int `json:"exit_code,omitempty"`
}

// QueueStatus is a point-in-time view of one repo root's queue. It is derived
// on demand from the live queue and never persisted.
type QueueStatus struct {
	RepoRoot         string        `json:"repo_root"`
	PendingCount     int           `json:"pending_count"`
	RunningOperation *GitOperation `json:"running_operation,omitempty"`
	CompletedCount   int           `json:"completed_count"`
	FailedCount      int           `json:"failed_count"`
}

// HealthStatus classifies a worktree's condition.
type HealthStatus string

// Worktree health states.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthOrphaned  HealthStatus = "orphaned"
	HealthLocked    HealthStatus = "locked"
	HealthCorrupted HealthStatus = "corrupted"
)

// WorktreeInfo describes one git worktree.
type WorktreeInfo struct {
	Path         string       `json:"path"`
	Branch       string       `json:"branch"`
	HeadCommit   string       `json:"head_commit"`
	IsLocked     bool         `json:"is_locked"`
	LockReason   string       `json:"lock_reason,omitempty"`
	HealthStatus HealthStatus `json:"health_status"`
}

// CommandPriority assigns the scheduling tier for a symbolic command name.
// Mutating and remote-affecting commands are critical so a user waiting on a
// push never queues behind background diff refreshes; read-only commands are
// low; everything else is normal.
func CommandPriority(command string) Priority {
	switch command {
	case "commit", "push", "branch-delete", "pr-merge",
		"worktree-create", "worktree-remove":
		return PriorityCritical
	case "status", "diff", "log", "show", "worktree-list", "rev-parse", "pr-view":
		return PriorityLow
	default:
		return PriorityNormal
	}
}
