package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"hatch/pkg/config"
	"hatch/pkg/logx"
	"hatch/pkg/metrics"
)

// Estimated working-set per agent process, used for capacity display only.
const defaultEstimatedRamMB = 512

// Errors returned by Spawn.
var (
	ErrAgentCapacity = errors.New("agent capacity reached")
	ErrAgentRunning  = errors.New("workspace already has a running agent")
	ErrUnknownType   = errors.New("unknown agent type")
)

// handle pairs the public process view with the underlying OS process.
type handle struct {
	proc   Process
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// Manager spawns and kills agent processes, enforcing the concurrency cap.
type Manager struct {
	logger        *logx.Logger
	maxConcurrent int
	types         map[string]config.AgentTypeConfig

	mu     sync.Mutex
	agents map[string]*handle // Keyed by workspace ID
	wg     sync.WaitGroup
}

// NewManager creates a manager from agent configuration.
func NewManager(cfg *config.AgentConfig) *Manager {
	return &Manager{
		logger:        logx.NewLogger("agent"),
		maxConcurrent: cfg.MaxConcurrent,
		types:         cfg.Types,
		agents:        make(map[string]*handle),
	}
}

// MaxConcurrent returns the configured concurrency cap.
func (m *Manager) MaxConcurrent() int {
	return m.maxConcurrent
}

// RunningCount returns how many agents are currently alive.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningCountLocked()
}

func (m *Manager) runningCountLocked() int {
	count := 0
	for _, h := range m.agents {
		if !h.proc.Status.IsTerminal() {
			count++
		}
	}
	return count
}

// CanSpawnMore reports whether the cap allows another agent.
func (m *Manager) CanSpawnMore() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningCountLocked() < m.maxConcurrent
}

// Spawn starts an agent of the given type inside the worktree. It fails fast
// when the cap is reached rather than queueing.
func (m *Manager) Spawn(ctx context.Context, workspaceID, worktreePath, agentType string) (*Process, error) {
	typeCfg, ok := m.types[agentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, agentType)
	}

	m.mu.Lock()
	if existing, ok := m.agents[workspaceID]; ok && !existing.proc.Status.IsTerminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentRunning, workspaceID)
	}
	if m.runningCountLocked() >= m.maxConcurrent {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%d running)", ErrAgentCapacity, m.maxConcurrent)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, typeCfg.Command, typeCfg.Args...)
	cmd.Dir = worktreePath

	if err := cmd.Start(); err != nil {
		cancel()
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to start %s agent: %w", agentType, err)
	}

	now := time.Now().UTC()
	h := &handle{
		proc: Process{
			ID:             uuid.New().String(),
			WorkspaceID:    workspaceID,
			WorktreePath:   worktreePath,
			AgentType:      agentType,
			PID:            cmd.Process.Pid,
			Status:         StatusStarting,
			StartedAt:      now,
			LastActivityAt: now,
			EstimatedRamMB: defaultEstimatedRamMB,
		},
		cmd:    cmd,
		cancel: cancel,
	}
	m.agents[workspaceID] = h
	metrics.AgentsRunning.Set(float64(m.runningCountLocked()))
	m.mu.Unlock()

	m.logger.Info("Spawned %s agent %s for workspace %s (pid %d)",
		agentType, h.proc.ID, workspaceID, h.proc.PID)

	m.wg.Add(1)
	go m.reap(h)

	return m.Get(workspaceID)
}

// reap waits for the process to exit and records its terminal status.
func (m *Manager) reap(h *handle) {
	defer m.wg.Done()
	err := h.cmd.Wait()
	h.cancel()

	m.mu.Lock()
	if !h.proc.Status.IsTerminal() {
		if err != nil {
			h.proc.Status = StatusError
			m.logger.Warn("Agent %s exited with error: %v", h.proc.ID, err)
		} else {
			// Clean voluntary exit leaves nothing to manage.
			h.proc.Status = StatusKilled
			m.logger.Info("Agent %s exited", h.proc.ID)
		}
	}
	metrics.AgentsRunning.Set(float64(m.runningCountLocked()))
	m.mu.Unlock()
}

// Get returns a copy of the workspace's agent, if any.
func (m *Manager) Get(workspaceID string) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.agents[workspaceID]
	if !ok {
		return nil, fmt.Errorf("no agent for workspace %s", workspaceID)
	}
	cp := h.proc
	return &cp, nil
}

// List returns copies of all tracked agents, terminal ones included.
func (m *Manager) List() []Process {
	m.mu.Lock()
	defer m.mu.Unlock()

	procs := make([]Process, 0, len(m.agents))
	for _, h := range m.agents {
		procs = append(procs, h.proc)
	}
	return procs
}

// RecordActivity bumps the agent's activity timestamp. The first activity
// after spawn moves the agent from starting to streaming.
func (m *Manager) RecordActivity(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.agents[workspaceID]
	if !ok || h.proc.Status.IsTerminal() {
		return
	}
	h.proc.LastActivityAt = time.Now().UTC()
	if h.proc.Status == StatusStarting {
		h.proc.Status = StatusStreaming
	}
}

// MarkIdle records that the agent finished its current turn.
func (m *Manager) MarkIdle(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.agents[workspaceID]
	if !ok || h.proc.Status.IsTerminal() {
		return
	}
	h.proc.Status = StatusIdle
}

// Kill stops the workspace's agent. Killing a workspace with no agent, or
// one whose agent already stopped, is a no-op.
func (m *Manager) Kill(workspaceID string) error {
	m.mu.Lock()
	h, ok := m.agents[workspaceID]
	if !ok || h.proc.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	h.proc.Status = StatusKilled
	metrics.AgentsRunning.Set(float64(m.runningCountLocked()))
	m.mu.Unlock()

	m.logger.Info("Killing agent %s for workspace %s", h.proc.ID, workspaceID)
	h.cancel()
	return nil
}

// KillAll stops every running agent and waits for their processes to exit.
// Called during daemon shutdown.
func (m *Manager) KillAll() {
	m.mu.Lock()
	for _, h := range m.agents {
		if !h.proc.Status.IsTerminal() {
			h.proc.Status = StatusKilled
			h.cancel()
		}
	}
	metrics.AgentsRunning.Set(0)
	m.mu.Unlock()

	m.wg.Wait()
}
