// Package workspace tracks agent coding sessions. Each workspace owns one git
// worktree, carries a human workflow status and a git-activity status, and is
// the unit the auth-retry protocol replays operations for.
package workspace

import (
	"fmt"
	"time"
)

// WorkflowStatus is the human-managed lifecycle of a workspace.
type WorkflowStatus string

// Workflow statuses, in their natural forward order.
const (
	StatusBacklog    WorkflowStatus = "backlog"
	StatusInProgress WorkflowStatus = "in-progress"
	StatusInReview   WorkflowStatus = "in-review"
	StatusDone       WorkflowStatus = "done"
)

// ValidWorkflowStatus reports whether s is a known workflow status.
func ValidWorkflowStatus(s WorkflowStatus) bool {
	switch s {
	case StatusBacklog, StatusInProgress, StatusInReview, StatusDone:
		return true
	default:
		return false
	}
}

// ActivityStatus reflects the workspace's current git activity. It is set to
// working before a mutating operation, idle on success, and error on failure.
// Any later success clears error back to idle automatically.
type ActivityStatus string

// Git-activity statuses.
const (
	ActivityIdle    ActivityStatus = "idle"
	ActivityWorking ActivityStatus = "working"
	ActivityError   ActivityStatus = "error"
)

// Workspace is one agent coding session bound to a worktree.
type Workspace struct {
	ID             string         `json:"id"`
	RepositoryID   string         `json:"repositoryId"`
	Title          string         `json:"title"`
	BranchName     string         `json:"branchName"`
	LocalPath      string         `json:"localPath"` // The workspace's worktree
	RepoPath       string         `json:"repoPath"`  // The shared main repository
	Status         ActivityStatus `json:"status"`
	WorkflowStatus WorkflowStatus `json:"workspaceStatus"`
	AgentID        string         `json:"agentId,omitempty"`
	AgentType      string         `json:"agentType"`
	PRNumber       *int           `json:"prNumber,omitempty"`
	PRURL          *string        `json:"prUrl,omitempty"`
	PRState        *string        `json:"prState,omitempty"`

	// IsInitializing is true from creation until the worktree exists on disk.
	IsInitializing bool      `json:"isInitializing"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActive     time.Time `json:"lastActive"`
}

// NotFoundError is returned by manager lookups for unknown workspace IDs.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workspace not found: %s", e.ID)
}
