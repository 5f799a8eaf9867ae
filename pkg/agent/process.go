// Package agent manages coding-agent processes. Each workspace runs at most
// one agent inside its worktree; a global cap bounds how many run at once.
package agent

import (
	"time"
)

// Status describes the lifecycle of one agent process.
type Status string

// Agent process statuses.
const (
	StatusStarting  Status = "starting"
	StatusStreaming Status = "streaming"
	StatusIdle      Status = "idle"
	StatusError     Status = "error"
	StatusKilled    Status = "killed"
)

// IsTerminal reports whether the agent has stopped for good.
func (s Status) IsTerminal() bool {
	return s == StatusError || s == StatusKilled
}

// Process is a point-in-time view of one running agent.
type Process struct {
	ID             string
	WorkspaceID    string
	WorktreePath   string
	AgentType      string
	PID            int
	Status         Status
	StartedAt      time.Time
	LastActivityAt time.Time
	EstimatedRamMB int
}
