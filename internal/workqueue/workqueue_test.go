package workqueue

// ============================================================================
// WorkQueue Test File
// Purpose: Verify async submission, busy/idle signal, graceful shutdown
// ============================================================================

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/sdk-runtime/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, workers int, opts ...Option) *Queue {
	t.Helper()
	opts = append(opts, WithLogger(logging.Discard()))
	q := New(opts...)
	require.NoError(t, q.Start(workers))
	t.Cleanup(q.Stop)
	return q
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNew(t *testing.T) {
	q := New()
	assert.NotNil(t, q)
	assert.Equal(t, 0, q.WorkerCount())
	assert.False(t, q.IsStarted())
	assert.False(t, q.IsBusy())
}

func TestStart(t *testing.T) {
	q := New(WithLogger(logging.Discard()))
	require.NoError(t, q.Start(3))
	assert.Equal(t, 3, q.WorkerCount())
	assert.True(t, q.IsStarted())

	// Try to start again
	assert.Error(t, q.Start(1))
	q.Stop()
}

func TestSubmitBeforeStart(t *testing.T) {
	q := New()
	err := q.Submit(Task{Name: "early", Run: func(context.Context) {}})
	assert.ErrorIs(t, err, ErrQueueNotStarted)
}

func TestSubmitNilTask(t *testing.T) {
	q := newTestQueue(t, 1)
	assert.ErrorIs(t, q.Submit(Task{Name: "nil"}), ErrNilTask)
}

func TestSubmitAfterStop(t *testing.T) {
	q := New(WithLogger(logging.Discard()))
	require.NoError(t, q.Start(1))
	q.Stop()
	q.Stop() // idempotent

	err := q.Submit(Task{Name: "late", Run: func(context.Context) {}})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestExecutesAllTasks(t *testing.T) {
	q := newTestQueue(t, 4)

	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Submit(Task{
			Name: fmt.Sprintf("task-%d", i),
			Run:  func(context.Context) { ran.Add(1) },
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
	assert.Equal(t, int32(50), ran.Load())
	assert.Equal(t, 0, q.Pending())
}

// ============================================================================
// Busy / Idle Tests
// ============================================================================

func TestIsBusyWhileRunning(t *testing.T) {
	q := newTestQueue(t, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, q.Submit(Task{Name: "block", Run: func(context.Context) {
		close(started)
		<-release
	}}))

	<-started
	assert.True(t, q.IsBusy())
	assert.Equal(t, 1, q.Pending())

	close(release)
	require.Eventually(t, func() bool { return !q.IsBusy() }, time.Second, 5*time.Millisecond)
}

func TestOnIdleFiresOncePerDrain(t *testing.T) {
	q := newTestQueue(t, 4)

	var idle atomic.Int32
	q.OnIdle(func() { idle.Add(1) })

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Submit(Task{Name: "held", Run: func(context.Context) { <-release }})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(0), idle.Load())

	close(release)
	require.Eventually(t, func() bool { return idle.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Give any spurious extra notification time to show up
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), idle.Load())

	// A new burst restarts the cycle
	require.NoError(t, q.Submit(Task{Name: "again", Run: func(context.Context) {}}))
	require.Eventually(t, func() bool { return idle.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDepthObserver(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	q := newTestQueue(t, 1, WithDepthObserver(func(p int) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	}))

	require.NoError(t, q.Submit(Task{Name: "one", Run: func(context.Context) {}}))
	require.Eventually(t, func() bool { return !q.IsBusy() }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, 1)
	assert.Contains(t, seen, 0)
}

// ============================================================================
// Robustness Tests
// ============================================================================

func TestPanicDoesNotKillWorker(t *testing.T) {
	q := newTestQueue(t, 1)

	var idle atomic.Int32
	q.OnIdle(func() { idle.Add(1) })

	gate := make(chan struct{})
	require.NoError(t, q.Submit(Task{Name: "boom", Run: func(context.Context) {
		<-gate
		panic("boom")
	}}))
	var ran atomic.Bool
	require.NoError(t, q.Submit(Task{Name: "after", Run: func(context.Context) { ran.Store(true) }}))
	close(gate)

	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return idle.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStopDrainsBacklog(t *testing.T) {
	q := New(WithLogger(logging.Discard()))
	require.NoError(t, q.Start(1))

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Submit(Task{Name: "slow", Run: func(context.Context) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}}))
	}

	q.Stop()
	assert.Equal(t, int32(10), ran.Load())
	assert.False(t, q.IsBusy())
}

func TestWaitIdleTimeout(t *testing.T) {
	q := newTestQueue(t, 1)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, q.Submit(Task{Name: "block", Run: func(context.Context) { <-release }}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.WaitIdle(ctx), context.DeadlineExceeded)
}

func TestMaxBacklog(t *testing.T) {
	gate := make(chan struct{})
	q := newTestQueue(t, 1, WithMaxBacklog(1))
	defer close(gate)

	running := make(chan struct{})
	require.NoError(t, q.Submit(Task{Name: "hold", Run: func(context.Context) {
		close(running)
		<-gate
	}}))
	<-running

	require.NoError(t, q.Submit(Task{Name: "queued", Run: func(context.Context) {}}))
	assert.ErrorIs(t, q.Submit(Task{Name: "overflow", Run: func(context.Context) {}}), ErrQueueFull)
	assert.Equal(t, 2, q.Pending())
}
