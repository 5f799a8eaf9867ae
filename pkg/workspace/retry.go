package workspace

import (
	"encoding/json"
	"fmt"
)

// RetryType discriminates the pending auth retry union.
type RetryType string

// The three GitHub-scoped operations that can be parked for replay.
const (
	RetryCloneRepository   RetryType = "cloneRepository"
	RetryPushChanges       RetryType = "pushChanges"
	RetryCreatePullRequest RetryType = "createPullRequest"
)

// PendingAuthRetryOperation captures just enough of a failed GitHub operation
// to re-issue it after re-authentication. At most one exists process-wide at
// a time; a second auth failure overwrites the first (last failure wins).
type PendingAuthRetryOperation struct {
	Type        RetryType `json:"type"`
	WorkspaceID string    `json:"workspaceId,omitempty"` // push and PR creation
	RepoID      string    `json:"repoId,omitempty"`      // clone
	PRTitle     string    `json:"prTitle,omitempty"`
	PRBody      string    `json:"prBody,omitempty"`
}

// Describe renders a short user-facing summary of what will be replayed.
func (op *PendingAuthRetryOperation) Describe() string {
	switch op.Type {
	case RetryCloneRepository:
		return fmt.Sprintf("clone repository %s", op.RepoID)
	case RetryPushChanges:
		return fmt.Sprintf("push changes for workspace %s", op.WorkspaceID)
	case RetryCreatePullRequest:
		return fmt.Sprintf("create pull request for workspace %s", op.WorkspaceID)
	default:
		return string(op.Type)
	}
}

// Encode serializes the operation for the durable retry slot.
func (op *PendingAuthRetryOperation) Encode() (string, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("failed to encode retry operation: %w", err)
	}
	return string(data), nil
}

// DecodeRetryOperation parses a durable retry slot payload.
func DecodeRetryOperation(payload string) (*PendingAuthRetryOperation, error) {
	var op PendingAuthRetryOperation
	if err := json.Unmarshal([]byte(payload), &op); err != nil {
		return nil, fmt.Errorf("failed to decode retry operation: %w", err)
	}
	switch op.Type {
	case RetryCloneRepository, RetryPushChanges, RetryCreatePullRequest:
		return &op, nil
	default:
		return nil, fmt.Errorf("unknown retry operation type: %q", op.Type)
	}
}
