package git

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hatch/pkg/exec"
)

// fakeExecutor drives coordinator tests without real git. Its handler
// receives the full argv and the cancellable context; like the local
// executor, it applies opts.Timeout itself.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   [][]string
	handler func(ctx context.Context, cmd []string) (exec.Result, error)
}

func (f *fakeExecutor) Run(ctx context.Context, cmd []string, opts *exec.Opts) (exec.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	handler := f.handler
	f.mu.Unlock()

	if opts != nil && opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if handler != nil {
		return handler(ctx, cmd)
	}
	return exec.Result{ExitCode: 0, ExecutorUsed: "fake"}, nil
}

func (f *fakeExecutor) Name() exec.ExecutorType { return "fake" }
func (f *fakeExecutor) Available() bool         { return true }

func (f *fakeExecutor) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmds := make([]string, 0, len(f.calls))
	for _, call := range f.calls {
		cmds = append(cmds, strings.Join(call, " "))
	}
	return cmds
}

const (
	repoA = "/repos/a"
	repoB = "/repos/b"
)

func TestEnqueueWaitSuccess(t *testing.T) {
	fake := &fakeExecutor{}
	coord := NewCoordinator(fake)
	defer coord.Close()

	op, err := coord.EnqueueWait(context.Background(), Request{
		RepoRoot: repoA,
		Command:  "status",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, op.Status)
	assert.Equal(t, PriorityLow, op.Priority)
	assert.NotNil(t, op.StartedAt)
	assert.NotNil(t, op.CompletedAt)
	assert.Equal(t, []string{"git status"}, fake.commands())
}

func TestEnqueueValidation(t *testing.T) {
	coord := NewCoordinator(&fakeExecutor{})
	defer coord.Close()

	_, err := coord.Enqueue(Request{RepoRoot: "", Command: "status"})
	assert.Error(t, err)

	_, err = coord.Enqueue(Request{RepoRoot: "relative/path", Command: "status"})
	assert.Error(t, err)

	_, err = coord.Enqueue(Request{RepoRoot: repoA, Command: "frobnicate"})
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestSingleRunningPerRepo(t *testing.T) {
	var mu sync.Mutex
	running := 0
	maxRunning := 0

	fake := &fakeExecutor{
		handler: func(ctx context.Context, cmd []string) (exec.Result, error) {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
			return exec.Result{ExitCode: 0}, nil
		},
	}
	coord := NewCoordinator(fake)
	defer coord.Close()

	for i := 0; i < 8; i++ {
		_, err := coord.Enqueue(Request{RepoRoot: repoA, Command: "fetch"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, coord.Flush(ctx, repoA))

	assert.Equal(t, 1, maxRunning, "at most one operation may run per repo root")

	st := coord.GetQueueStatus(repoA)
	assert.Equal(t, 0, st.PendingCount)
	assert.Nil(t, st.RunningOperation)
	assert.Equal(t, 8, st.CompletedCount)
}

func TestReposRunIndependently(t *testing.T) {
	aEntered := make(chan struct{})
	bEntered := make(chan struct{})

	fake := &fakeExecutor{
		handler: func(ctx context.Context, cmd []string) (exec.Result, error) {
			// The pull targets repo A, the fetch repo B. Each blocks until the
			// other has started: only cross-repo parallelism lets both pass.
			if cmd[1] == "pull" {
				close(aEntered)
				select {
				case <-bEntered:
				case <-time.After(2 * time.Second):
					return exec.Result{ExitCode: 1, Stderr: "peer never started"}, nil
				}
			} else {
				close(bEntered)
				select {
				case <-aEntered:
				case <-time.After(2 * time.Second):
					return exec.Result{ExitCode: 1, Stderr: "peer never started"}, nil
				}
			}
			return exec.Result{ExitCode: 0}, nil
		},
	}
	coord := NewCoordinator(fake)
	defer coord.Close()

	var wg sync.WaitGroup
	results := make([]*GitOperation, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], _ = coord.EnqueueWait(context.Background(), Request{RepoRoot: repoA, Command: "pull"})
	}()
	go func() {
		defer wg.Done()
		results[1], _ = coord.EnqueueWait(context.Background(), Request{RepoRoot: repoB, Command: "fetch"})
	}()
	wg.Wait()

	assert.Equal(t, StatusCompleted, results[0].Status)
	assert.Equal(t, StatusCompleted, results[1].Status)
}

func TestPriorityOrdering(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	var mu sync.Mutex
	var order []string

	fake := &fakeExecutor{
		handler: func(ctx context.Context, cmd []string) (exec.Result, error) {
			once.Do(func() {
				close(started)
				<-release // Hold the first op so the rest stack up
			})
			mu.Lock()
			order = append(order, strings.Join(cmd, " "))
			mu.Unlock()
			return exec.Result{ExitCode: 0}, nil
		},
	}
	coord := NewCoordinator(fake)
	defer coord.Close()

	_, err := coord.Enqueue(Request{RepoRoot: repoA, Command: "fetch"})
	require.NoError(t, err)
	<-started

	// Enqueued while blocked: low first, then normal, then critical.
	_, err = coord.Enqueue(Request{RepoRoot: repoA, Command: "diff"})
	require.NoError(t, err)
	_, err = coord.Enqueue(Request{RepoRoot: repoA, Command: "pull"})
	require.NoError(t, err)
	_, err = coord.Enqueue(Request{RepoRoot: repoA, Command: "push"})
	require.NoError(t, err)

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, coord.Flush(ctx, repoA))

	// The just-enqueued critical push overtakes the longer-waiting low diff.
	assert.Equal(t, []string{"git fetch", "git push", "git pull", "git diff"}, order)
}

func TestFIFOWithinTier(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	fake := &fakeExecutor{
		handler: func(ctx context.Context, cmd []string) (exec.Result, error) {
			once.Do(func() {
				close(started)
				<-release
			})
			return exec.Result{ExitCode: 0}, nil
		},
	}
	coord := NewCoordinator(fake)
	defer coord.Close()

	_, err := coord.Enqueue(Request{RepoRoot: repoA, Command: "fetch"})
	require.NoError(t, err)
	<-started

	id1, err := coord.Enqueue(Request{RepoRoot: repoA, Command: "pull", Args: []string{"origin", "one"}})
	require.NoError(t, err)
	id2, err := coord.Enqueue(Request{RepoRoot: repoA, Command: "pull", Args: []string{"origin", "two"}})
	require.NoError(t, err)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, coord.Flush(ctx, repoA))

	op1, ok := coord.GetOperation(id1)
	require.True(t, ok)
	op2, ok := coord.GetOperation(id2)
	require.True(t, ok)
	require.NotNil(t, op1.CompletedAt)
	require.NotNil(t, op2.StartedAt)
	assert.False(t, op2.StartedAt.Before(*op1.CompletedAt),
		"same-tier operations must complete in enqueue order")
}

func TestCancelPendingOperation(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	fake := &fakeExecutor{
		handler: func(ctx context.Context, cmd []string) (exec.Result, error) {
			once.Do(func() {
				close(started)
				<-release
			})
			return exec.Result{ExitCode: 0}, nil
		},
	}
	coord := NewCoordinator(fake)
	defer coord.Close()

	_, err := coord.Enqueue(Request{RepoRoot: repoA, Command: "fetch"})
	require.NoError(t, err)
	<-started

	pendingID, err := coord.Enqueue(Request{RepoRoot: repoA, Command: "pull"})
	require.NoError(t, err)
	assert.Equal(t, 1, coord.GetQueueStatus(repoA).PendingCount)

	assert.True(t, coord.CancelOperation(pendingID))
	assert.Equal(t, 0, coord.GetQueueStatus(repoA).PendingCount)

	op, ok := coord.GetOperation(pendingID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, op.Status)
	assert.Nil(t, op.StartedAt, "cancelled pending op must never run")

	// Cancelling it again finds nothing.
	assert.False(t, coord.CancelOperation(pendingID))

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, coord.Flush(ctx, repoA))

	// The cancelled op never reached the executor.
	for _, cmd := range fake.commands() {
		assert.NotEqual(t, "git pull", cmd)
	}
}

func TestCancelRunningOperation(t *testing.T) {
	started := make(chan struct{})

	fake := &fakeExecutor{
		handler: func(ctx context.Context, cmd []string) (exec.Result, error) {
			close(started)
			<-ctx.Done()
			return exec.Result{ExitCode: -1}, ctx.Err()
		},
	}
	coord := NewCoordinator(fake)
	defer coord.Close()

	id, err := coord.Enqueue(Request{RepoRoot: repoA, Command: "push"})
	require.NoError(t, err)

	<-started
	assert.True(t, coord.CancelOperation(id))

	op, ok := waitForTerminal(t, coord, id, 5*time.Second)
	require.True(t, ok, "operation never reached a terminal state")
	assert.Equal(t, StatusCancelled, op.Status)
	assert.NotNil(t, op.CompletedAt)
}

func TestOperationTimeout(t *testing.T) {
	fake := &fakeExecutor{
		handler: func(ctx context.Context, cmd []string) (exec.Result, error) {
			<-ctx.Done()
			return exec.Result{ExitCode: -1}, ctx.Err()
		},
	}
	coord := NewCoordinator(fake, WithOperationTimeout(50*time.Millisecond))
	defer coord.Close()

	op, err := coord.EnqueueWait(context.Background(), Request{RepoRoot: repoA, Command: "push"})
	assert.ErrorIs(t, err, ErrOperationTimeout)
	assert.Equal(t, StatusTimeout, op.Status)

	// Timeout is terminal failure, distinct from failed.
	st := coord.GetQueueStatus(repoA)
	assert.Equal(t, 1, st.FailedCount)
	assert.Equal(t, 0, st.CompletedCount)
}

func TestFailedOperationClassified(t *testing.T) {
	fake := &fakeExecutor{
		handler: func(ctx context.Context, cmd []string) (exec.Result, error) {
			return exec.Result{
				ExitCode: 128,
				Stderr:   "fatal: Authentication failed for 'https://github.com/acme/api.git'",
			}, nil
		},
	}
	coord := NewCoordinator(fake)
	defer coord.Close()

	op, err := coord.EnqueueWait(context.Background(), Request{RepoRoot: repoA, Command: "push"})
	require.Error(t, err)

	var gitErr *GitError
	require.ErrorAs(t, err, &gitErr)
	assert.Equal(t, ErrAuthExpired, gitErr.Kind)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, 1, coord.GetQueueStatus(repoA).FailedCount)
}

func TestCancelAll(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once

	fake := &fakeExecutor{
		handler: func(ctx context.Context, cmd []string) (exec.Result, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return exec.Result{ExitCode: -1}, ctx.Err()
		},
	}
	coord := NewCoordinator(fake)
	defer coord.Close()

	runningID, err := coord.Enqueue(Request{RepoRoot: repoA, Command: "push"})
	require.NoError(t, err)
	<-started
	pendingID, err := coord.Enqueue(Request{RepoRoot: repoA, Command: "pull"})
	require.NoError(t, err)

	coord.CancelAll(repoA)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, coord.Flush(ctx, repoA))

	pendingOp, ok := coord.GetOperation(pendingID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, pendingOp.Status)

	runningOp, ok := coord.GetOperation(runningID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, runningOp.Status)
}

func TestFlushIdleReturnsImmediately(t *testing.T) {
	coord := NewCoordinator(&fakeExecutor{})
	defer coord.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, coord.Flush(ctx, "/never/seen"))
}

func TestHistoryRetention(t *testing.T) {
	coord := NewCoordinator(&fakeExecutor{}, WithHistoryRetention(2))
	defer coord.Close()

	var ids []string
	for i := 0; i < 4; i++ {
		op, err := coord.EnqueueWait(context.Background(), Request{RepoRoot: repoA, Command: "status"})
		require.NoError(t, err)
		ids = append(ids, op.ID)
	}

	// Only the newest two survive the retention window.
	_, ok := coord.GetOperation(ids[0])
	assert.False(t, ok)
	_, ok = coord.GetOperation(ids[3])
	assert.True(t, ok)

	coord.FlushHistory(repoA)
	_, ok = coord.GetOperation(ids[3])
	assert.False(t, ok)

	// Counters are monotonic, independent of retention.
	assert.Equal(t, 4, coord.GetQueueStatus(repoA).CompletedCount)
}

func TestGetOperationAfterInstantCompletion(t *testing.T) {
	fake := &fakeExecutor{}
	coord := NewCoordinator(fake)
	defer coord.Close()

	// Instant completions must stay findable through history, with no stale
	// index entries shadowing them.
	for i := 0; i < 200; i++ {
		op, err := coord.EnqueueWait(context.Background(), Request{
			RepoRoot: repoA,
			Command:  "status",
		})
		require.NoError(t, err)

		got, found := coord.GetOperation(op.ID)
		require.True(t, found, "terminal op %s lost after completion", op.ID)
		assert.Equal(t, StatusCompleted, got.Status)
	}
}

func TestCloseRejectsNewWork(t *testing.T) {
	coord := NewCoordinator(&fakeExecutor{})
	coord.Close()

	_, err := coord.Enqueue(Request{RepoRoot: repoA, Command: "status"})
	assert.ErrorIs(t, err, ErrCoordinatorClosed)
}

// waitForTerminal polls GetOperation until the op leaves the live set and
// shows up terminal in history.
func waitForTerminal(t *testing.T, coord *Coordinator, opID string, timeout time.Duration) (*GitOperation, bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if op, ok := coord.GetOperation(opID); ok && op.Status.IsTerminal() {
			return op, true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, false
}

func TestEnqueueWaitContextExpiry(t *testing.T) {
	release := make(chan struct{})
	fake := &fakeExecutor{
		handler: func(ctx context.Context, cmd []string) (exec.Result, error) {
			<-release
			return exec.Result{ExitCode: 0}, nil
		},
	}
	coord := NewCoordinator(fake)
	defer coord.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := coord.EnqueueWait(ctx, Request{RepoRoot: repoA, Command: "push"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
