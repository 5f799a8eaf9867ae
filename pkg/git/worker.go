package git

import (
	"context"
	"errors"
	"sync"
	"time"

	"hatch/pkg/metrics"
)

// repoWorker owns one repo root's queue and its single execution slot. Each
// worker is an independent serialization domain: exactly one operation per
// repo root is ever in the running state.
type repoWorker struct {
	coord    *Coordinator
	repoRoot string

	mu   sync.Mutex
	cond *sync.Cond

	queue   opQueue
	nextSeq uint64

	running         *opEntry
	runningCancel   context.CancelFunc
	cancelRequested bool

	history        []*GitOperation // Terminal ops, newest last, bounded
	completedCount int
	failedCount    int

	flushWaiters []chan struct{}
	stopped      bool
}

func newRepoWorker(coord *Coordinator, repoRoot string) *repoWorker {
	w := &repoWorker{
		coord:    coord,
		repoRoot: repoRoot,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// enqueue adds an operation to the queue and wakes the worker. Returns nil if
// the worker has stopped.
func (w *repoWorker) enqueue(op *GitOperation) *opEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}

	entry := &opEntry{
		op:   op,
		seq:  w.nextSeq,
		done: make(chan struct{}),
	}
	w.nextSeq++
	w.queue.push(entry)
	metrics.QueuePending.WithLabelValues(w.repoRoot).Set(float64(w.queue.len()))
	w.cond.Signal()
	return entry
}

// run is the worker loop: pop head, mark running, execute, finalize, repeat.
func (w *repoWorker) run() {
	for {
		w.mu.Lock()
		for w.queue.len() == 0 && !w.stopped {
			w.notifyFlushWaitersLocked()
			w.cond.Wait()
		}
		if w.stopped {
			w.drainLocked()
			w.notifyFlushWaitersLocked()
			w.mu.Unlock()
			return
		}

		entry := w.queue.pop()
		metrics.QueuePending.WithLabelValues(w.repoRoot).Set(float64(w.queue.len()))

		now := time.Now().UTC()
		entry.op.Status = StatusRunning
		entry.op.StartedAt = &now

		ctx, cancel := context.WithCancel(context.Background())
		w.running = entry
		w.runningCancel = cancel
		w.cancelRequested = false
		w.mu.Unlock()

		result, execErr := w.coord.execute(ctx, entry.op)
		cancel()

		w.mu.Lock()
		w.finalizeLocked(entry, result.Stdout, result.Stderr, result.ExitCode, execErr)
		w.running = nil
		w.runningCancel = nil
		w.mu.Unlock()

		w.coord.forgetOp(entry.op.ID)
		w.coord.record(entry.op)
	}
}

// finalizeLocked assigns the terminal state. Caller holds w.mu.
func (w *repoWorker) finalizeLocked(entry *opEntry, stdout, stderr string, exitCode int, execErr error) {
	op := entry.op
	now := time.Now().UTC()
	op.CompletedAt = &now
	op.Stdout = stdout
	op.Stderr = stderr
	op.ExitCode = exitCode

	switch {
	case errors.Is(execErr, context.Canceled) || (w.cancelRequested && execErr != nil):
		op.Status = StatusCancelled
	case errors.Is(execErr, context.DeadlineExceeded):
		op.Status = StatusTimeout
	case execErr != nil:
		// The command could not be started at all.
		op.Status = StatusFailed
		op.Err = &GitError{
			Kind:     ErrUnknown,
			Action:   ActionRetry,
			Message:  "Something went wrong. Check your connection and try again.",
			Command:  op.Command,
			Stderr:   execErr.Error(),
			ExitCode: exitCode,
		}
	case exitCode != 0:
		op.Status = StatusFailed
		classifyInput := stderr
		if classifyInput == "" {
			// Merge conflict summaries land on stdout.
			classifyInput = stdout
		}
		op.Err = Classify(op.Command, classifyInput, exitCode)
	default:
		op.Status = StatusCompleted
	}

	w.recordTerminalLocked(op)
	close(entry.done)
}

// recordTerminalLocked appends to bounded history and updates counters.
// Caller holds w.mu.
func (w *repoWorker) recordTerminalLocked(op *GitOperation) {
	switch op.Status {
	case StatusCompleted:
		w.completedCount++
	case StatusFailed, StatusTimeout:
		w.failedCount++
	case StatusCancelled, StatusPending, StatusRunning:
		// Cancelled ops count as neither completed nor failed.
	}

	cp := *op
	w.history = append(w.history, &cp)
	if retention := w.coord.retention; retention > 0 && len(w.history) > retention {
		w.history = w.history[len(w.history)-retention:]
	}
}

// cancel removes a pending operation or signals the running one.
func (w *repoWorker) cancel(opID string) bool {
	var cancelled *opEntry

	w.mu.Lock()
	if entry := w.queue.remove(opID); entry != nil {
		metrics.QueuePending.WithLabelValues(w.repoRoot).Set(float64(w.queue.len()))
		now := time.Now().UTC()
		entry.op.Status = StatusCancelled
		entry.op.CompletedAt = &now
		w.recordTerminalLocked(entry.op)
		close(entry.done)
		cancelled = entry
	} else if w.running != nil && w.running.op.ID == opID {
		w.cancelRequested = true
		w.runningCancel()
		w.mu.Unlock()
		return true
	}
	w.mu.Unlock()

	if cancelled != nil {
		w.coord.forgetOp(opID)
		w.coord.record(cancelled.op)
		return true
	}
	return false
}

// cancelAll drops all pending operations and signals the running one.
func (w *repoWorker) cancelAll() {
	w.mu.Lock()
	entries := w.drainLocked()
	if w.running != nil {
		w.cancelRequested = true
		w.runningCancel()
	}
	w.mu.Unlock()

	for _, entry := range entries {
		w.coord.forgetOp(entry.op.ID)
		w.coord.record(entry.op)
	}
}

// drainLocked cancels every pending entry. Caller holds w.mu.
func (w *repoWorker) drainLocked() []*opEntry {
	entries := w.queue.drain()
	metrics.QueuePending.WithLabelValues(w.repoRoot).Set(0)
	now := time.Now().UTC()
	for _, entry := range entries {
		entry.op.Status = StatusCancelled
		entry.op.CompletedAt = &now
		w.recordTerminalLocked(entry.op)
		close(entry.done)
	}
	return entries
}

// stop shuts the worker down: pending ops are cancelled and the running op is
// signalled. The worker goroutine exits once the running op finishes.
func (w *repoWorker) stop() {
	w.mu.Lock()
	w.stopped = true
	if w.running != nil {
		w.cancelRequested = true
		w.runningCancel()
	}
	w.cond.Signal()
	w.mu.Unlock()
}

// status derives a point-in-time queue view.
func (w *repoWorker) status() QueueStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := QueueStatus{
		RepoRoot:       w.repoRoot,
		PendingCount:   w.queue.len(),
		CompletedCount: w.completedCount,
		FailedCount:    w.failedCount,
	}
	if w.running != nil {
		cp := *w.running.op
		st.RunningOperation = &cp
	}
	return st
}

// findOp returns a copy of an operation in the pending queue or running slot.
func (w *repoWorker) findOp(opID string) (*GitOperation, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running != nil && w.running.op.ID == opID {
		cp := *w.running.op
		return &cp, true
	}
	for _, entry := range w.queue.entries {
		if entry.op.ID == opID {
			cp := *entry.op
			return &cp, true
		}
	}
	return nil, false
}

// findHistory returns a copy of a retained terminal operation.
func (w *repoWorker) findHistory(opID string) (*GitOperation, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, op := range w.history {
		if op.ID == opID {
			cp := *op
			return &cp, true
		}
	}
	return nil, false
}

// flushHistory evicts retained terminal operations.
func (w *repoWorker) flushHistory() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = nil
}

// flushWaiter returns a channel closed when the queue next becomes idle, or
// nil if it is idle now.
func (w *repoWorker) flushWaiter() chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.queue.len() == 0 && w.running == nil {
		return nil
	}
	ch := make(chan struct{})
	w.flushWaiters = append(w.flushWaiters, ch)
	return ch
}

// notifyFlushWaitersLocked releases flush waiters when idle. Caller holds w.mu.
func (w *repoWorker) notifyFlushWaitersLocked() {
	if w.queue.len() != 0 || w.running != nil {
		return
	}
	for _, ch := range w.flushWaiters {
		close(ch)
	}
	w.flushWaiters = nil
}
