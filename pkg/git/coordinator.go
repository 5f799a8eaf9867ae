package git

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hatch/pkg/eventlog"
	"hatch/pkg/exec"
	"hatch/pkg/logx"
	"hatch/pkg/metrics"
)

// Sentinel errors returned by EnqueueWait.
var (
	ErrOperationCancelled = errors.New("git operation cancelled")
	ErrOperationTimeout   = errors.New("git operation timed out")
	ErrCoordinatorClosed  = errors.New("coordinator is closed")
	ErrUnknownCommand     = errors.New("unknown git command")
)

// commandArgv maps symbolic operation names to the binary and fixed leading
// arguments. Operation Args are appended after these.
//
//nolint:gochecknoglobals // Static command table
var commandArgv = map[string][]string{
	"clone":           {"git", "clone"},
	"fetch":           {"git", "fetch"},
	"pull":            {"git", "pull"},
	"add":             {"git", "add"},
	"commit":          {"git", "commit"},
	"push":            {"git", "push"},
	"status":          {"git", "status"},
	"diff":            {"git", "diff"},
	"log":             {"git", "log"},
	"show":            {"git", "show"},
	"checkout":        {"git", "checkout"},
	"branch":          {"git", "branch"},
	"branch-delete":   {"git", "branch", "-D"},
	"merge":           {"git", "merge"},
	"rev-parse":       {"git", "rev-parse"},
	"worktree-create": {"git", "worktree", "add"},
	"worktree-remove": {"git", "worktree", "remove"},
	"worktree-list":   {"git", "worktree", "list"},
	"worktree-prune":  {"git", "worktree", "prune"},
	"worktree-repair": {"git", "worktree", "repair"},
	"worktree-lock":   {"git", "worktree", "lock"},
	"worktree-unlock": {"git", "worktree", "unlock"},
	"pr-create":       {"gh", "pr", "create"},
	"pr-merge":        {"gh", "pr", "merge"},
	"pr-view":         {"gh", "pr", "view"},
}

// Request describes one operation to enqueue.
type Request struct {
	RepoRoot     string
	WorktreePath string // Optional; working directory for worktree-scoped ops
	Command      string
	Args         []string
	Priority     Priority // Empty infers from Command via CommandPriority
}

// Coordinator owns one priority queue per repository root and serializes all
// git execution within each root. Distinct roots never wait on each other.
type Coordinator struct {
	executor  exec.Executor
	logger    *logx.Logger
	eventLog  *eventlog.Writer // Optional
	opTimeout time.Duration
	retention int

	mu      sync.Mutex
	repos   map[string]*repoWorker
	opIndex map[string]*repoWorker // Live (non-terminal) op ID -> owning worker
	closed  bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEventLog attaches an event log writer recording terminal operations.
func WithEventLog(w *eventlog.Writer) Option {
	return func(c *Coordinator) { c.eventLog = w }
}

// WithOperationTimeout overrides the per-operation execution ceiling.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.opTimeout = d }
}

// WithHistoryRetention bounds how many terminal operations are retained per
// repo root for introspection.
func WithHistoryRetention(n int) Option {
	return func(c *Coordinator) { c.retention = n }
}

// NewCoordinator creates a coordinator executing through the given executor.
func NewCoordinator(executor exec.Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		executor:  executor,
		logger:    logx.NewLogger("coordinator"),
		opTimeout: 10 * time.Minute,
		retention: 100,
		repos:     make(map[string]*repoWorker),
		opIndex:   make(map[string]*repoWorker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue adds an operation to its repo root's queue and returns the
// operation ID immediately.
func (c *Coordinator) Enqueue(req Request) (string, error) {
	entry, err := c.enqueue(req)
	if err != nil {
		return "", err
	}
	return entry.op.ID, nil
}

// EnqueueWait enqueues an operation and blocks until it reaches a terminal
// state or ctx expires. The operation keeps running if ctx expires first.
// Failed operations return the classified *GitError.
func (c *Coordinator) EnqueueWait(ctx context.Context, req Request) (*GitOperation, error) {
	entry, err := c.enqueue(req)
	if err != nil {
		return nil, err
	}

	select {
	case <-entry.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for operation %s: %w", entry.op.ID, ctx.Err())
	}

	op := c.snapshotOp(entry)
	switch op.Status {
	case StatusCompleted:
		return op, nil
	case StatusFailed:
		return op, op.Err
	case StatusCancelled:
		return op, ErrOperationCancelled
	case StatusTimeout:
		return op, ErrOperationTimeout
	default:
		return op, fmt.Errorf("operation %s in unexpected state %s", op.ID, op.Status)
	}
}

func (c *Coordinator) enqueue(req Request) (*opEntry, error) {
	if req.RepoRoot == "" {
		return nil, fmt.Errorf("repo root cannot be empty")
	}
	if !filepath.IsAbs(req.RepoRoot) {
		return nil, fmt.Errorf("repo root must be an absolute path: %s", req.RepoRoot)
	}
	if _, ok := commandArgv[req.Command]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, req.Command)
	}

	priority := req.Priority
	if priority == "" {
		priority = CommandPriority(req.Command)
	}

	op := &GitOperation{
		ID:           uuid.New().String(),
		RepoRoot:     req.RepoRoot,
		WorktreePath: req.WorktreePath,
		Command:      req.Command,
		Args:         req.Args,
		Priority:     priority,
		Status:       StatusPending,
		EnqueuedAt:   time.Now().UTC(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCoordinatorClosed
	}
	worker, ok := c.repos[req.RepoRoot]
	if !ok {
		worker = newRepoWorker(c, req.RepoRoot)
		c.repos[req.RepoRoot] = worker
		go worker.run()
	}
	// Index before handing the op to the worker: an op that completes
	// instantly would otherwise be forgotten before it was ever indexed,
	// leaving a stale entry behind.
	c.opIndex[op.ID] = worker
	c.mu.Unlock()

	entry := worker.enqueue(op)
	if entry == nil {
		c.mu.Lock()
		delete(c.opIndex, op.ID)
		c.mu.Unlock()
		return nil, ErrCoordinatorClosed
	}

	logx.Debug(context.Background(), "coordinator", "Enqueued %s %s (%s) for %s",
		op.ID, op.Command, op.Priority, op.RepoRoot)
	return entry, nil
}

// GetQueueStatus returns a point-in-time view of one repo root's queue.
func (c *Coordinator) GetQueueStatus(repoRoot string) QueueStatus {
	c.mu.Lock()
	worker, ok := c.repos[repoRoot]
	c.mu.Unlock()

	if !ok {
		return QueueStatus{RepoRoot: repoRoot}
	}
	return worker.status()
}

// GetQueueStatuses returns queue views for every repo root seen so far.
func (c *Coordinator) GetQueueStatuses() []QueueStatus {
	c.mu.Lock()
	workers := make([]*repoWorker, 0, len(c.repos))
	for _, w := range c.repos {
		workers = append(workers, w)
	}
	c.mu.Unlock()

	statuses := make([]QueueStatus, 0, len(workers))
	for _, w := range workers {
		statuses = append(statuses, w.status())
	}
	return statuses
}

// GetOperation returns a copy of a live or retained operation, if known.
func (c *Coordinator) GetOperation(opID string) (*GitOperation, bool) {
	c.mu.Lock()
	worker, ok := c.opIndex[opID]
	if !ok {
		// Terminal ops are only findable through history.
		for _, w := range c.repos {
			if op, found := w.findHistory(opID); found {
				c.mu.Unlock()
				return op, true
			}
		}
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Unlock()
	if op, found := worker.findOp(opID); found {
		return op, true
	}
	// The op may have gone terminal between index lookup and findOp.
	return worker.findHistory(opID)
}

// CancelOperation cancels a pending operation outright or signals a running
// one to stop. Returns true if the operation was found in a cancellable state.
// A running operation transitions to cancelled only once the process actually
// stops; if it completes first, the cancel request is a no-op.
func (c *Coordinator) CancelOperation(opID string) bool {
	c.mu.Lock()
	worker, ok := c.opIndex[opID]
	c.mu.Unlock()

	if !ok {
		return false
	}
	return worker.cancel(opID)
}

// CancelAll cancels all pending operations for a repo root and signals the
// running one, if any.
func (c *Coordinator) CancelAll(repoRoot string) {
	c.mu.Lock()
	worker, ok := c.repos[repoRoot]
	c.mu.Unlock()

	if ok {
		worker.cancelAll()
	}
}

// Flush blocks until the repo root's queue has no pending or running entries,
// or ctx expires.
func (c *Coordinator) Flush(ctx context.Context, repoRoot string) error {
	c.mu.Lock()
	worker, ok := c.repos[repoRoot]
	c.mu.Unlock()

	if !ok {
		return nil
	}

	waiter := worker.flushWaiter()
	if waiter == nil {
		return nil // Already drained
	}
	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush %s: %w", repoRoot, ctx.Err())
	}
}

// FlushAll drains every repo root's queue in parallel.
func (c *Coordinator) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	roots := make([]string, 0, len(c.repos))
	for root := range c.repos {
		roots = append(roots, root)
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, root := range roots {
		g.Go(func() error {
			return c.Flush(gctx, root)
		})
	}
	return g.Wait()
}

// FlushHistory evicts retained terminal operations for a repo root.
func (c *Coordinator) FlushHistory(repoRoot string) {
	c.mu.Lock()
	worker, ok := c.repos[repoRoot]
	c.mu.Unlock()

	if ok {
		worker.flushHistory()
	}
}

// Close stops all workers: pending operations are cancelled, the running
// operation in each repo is signalled, and no new work is accepted.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	workers := make([]*repoWorker, 0, len(c.repos))
	for _, w := range c.repos {
		workers = append(workers, w)
	}
	c.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}

// forgetOp drops a terminal operation from the live index.
func (c *Coordinator) forgetOp(opID string) {
	c.mu.Lock()
	delete(c.opIndex, opID)
	c.mu.Unlock()
}

// snapshotOp copies a terminal operation. Safe without locking: all writes
// happen before the entry's done channel is closed.
func (c *Coordinator) snapshotOp(entry *opEntry) *GitOperation {
	cp := *entry.op
	return &cp
}

// execute runs one operation through the executor. Called by repo workers
// with no locks held.
func (c *Coordinator) execute(ctx context.Context, op *GitOperation) (exec.Result, error) {
	argv := append([]string{}, commandArgv[op.Command]...)
	argv = append(argv, op.Args...)

	workDir := op.RepoRoot
	if op.WorktreePath != "" {
		workDir = op.WorktreePath
	}
	if op.Command == "clone" {
		// The target directory does not exist yet; run from its parent.
		workDir = filepath.Dir(op.RepoRoot)
	}

	opts := &exec.Opts{
		WorkDir: workDir,
		Timeout: c.opTimeout,
	}
	return c.executor.Run(ctx, argv, opts)
}

// record publishes a terminal operation to metrics, the event log, and the
// coordinator log. Called with no locks held.
func (c *Coordinator) record(op *GitOperation) {
	metrics.GitOpsTotal.WithLabelValues(op.RepoRoot, op.Command, string(op.Status)).Inc()
	if op.StartedAt != nil && op.CompletedAt != nil {
		metrics.GitOpSeconds.WithLabelValues(op.RepoRoot, op.Command).
			Observe(op.CompletedAt.Sub(*op.StartedAt).Seconds())
	}

	if c.eventLog != nil {
		rec := &eventlog.Record{
			Timestamp: time.Now().UTC(),
			OpID:      op.ID,
			RepoRoot:  op.RepoRoot,
			Command:   op.Command,
			Priority:  string(op.Priority),
			Status:    string(op.Status),
		}
		if op.StartedAt != nil && op.CompletedAt != nil {
			rec.DurationMs = op.CompletedAt.Sub(*op.StartedAt).Milliseconds()
		}
		if op.Err != nil {
			rec.ErrorKind = string(op.Err.Kind)
		}
		if err := c.eventLog.Write(rec); err != nil {
			c.logger.Warn("Failed to write event log record for %s: %v", op.ID, err)
		}
	}

	switch op.Status {
	case StatusCompleted:
		c.logger.Debug("Operation %s (%s) completed", op.ID, op.Command)
	case StatusFailed:
		c.logger.Warn("Operation %s (%s) failed: %v", op.ID, op.Command, op.Err)
	case StatusCancelled:
		c.logger.Info("Operation %s (%s) cancelled", op.ID, op.Command)
	case StatusTimeout:
		c.logger.Warn("Operation %s (%s) timed out", op.ID, op.Command)
	case StatusPending, StatusRunning:
		// Not terminal; nothing to record.
	}
}
