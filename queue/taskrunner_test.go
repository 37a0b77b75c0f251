package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingTask reports true (more work pending) until drained calls have
// been observed, then reports false and signals idle.
type countingTask struct {
	calls int32
	drain int32
	idle  chan struct{}
}

func newCountingTask(drain int32) *countingTask {
	return &countingTask{drain: drain, idle: make(chan struct{}, 1)}
}

func (c *countingTask) Iterate(ctx context.Context) bool {
	n := atomic.AddInt32(&c.calls, 1)
	if n >= c.drain {
		select {
		case c.idle <- struct{}{}:
		default:
		}
		return false
	}
	return true
}

func TestGoroutineTaskRunnerWakeupDrivesIterateUntilFalse(t *testing.T) {
	r, err := NewGoroutineTaskRunner(nil, "", 0)
	require.NoError(t, err)

	task := newCountingTask(5)
	require.NoError(t, r.Start(context.Background(), task))
	defer r.Shutdown(context.Background())

	r.Wakeup()
	select {
	case <-task.idle:
	case <-time.After(time.Second):
		t.Fatal("iterate loop never drained")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&task.calls), int32(5))
}

func TestGoroutineTaskRunnerStartIsIdempotent(t *testing.T) {
	r, err := NewGoroutineTaskRunner(nil, "", 0)
	require.NoError(t, err)

	task := newCountingTask(1)
	require.NoError(t, r.Start(context.Background(), task))
	require.NoError(t, r.Start(context.Background(), task))
	defer r.Shutdown(context.Background())

	r.Wakeup()
	select {
	case <-task.idle:
	case <-time.After(time.Second):
		t.Fatal("second Start call should not have replaced the running worker")
	}
}

func TestGoroutineTaskRunnerShutdownStopsWorker(t *testing.T) {
	r, err := NewGoroutineTaskRunner(nil, "", 0)
	require.NoError(t, err)

	task := newCountingTask(1)
	require.NoError(t, r.Start(context.Background(), task))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	// A wakeup after shutdown must not resurrect the worker goroutine.
	before := atomic.LoadInt32(&task.calls)
	r.Wakeup()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, before, atomic.LoadInt32(&task.calls))
}

func TestGoroutineTaskRunnerShutdownIsIdempotent(t *testing.T) {
	r, err := NewGoroutineTaskRunner(nil, "", 0)
	require.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, r.Shutdown(ctx))
	require.NoError(t, r.Start(ctx, newCountingTask(1)))
	assert.NoError(t, r.Shutdown(ctx))
	assert.NoError(t, r.Shutdown(ctx))
}

func TestNewGoroutineTaskRunnerRejectsInvalidCronSpec(t *testing.T) {
	_, err := NewGoroutineTaskRunner(nil, "not a cron spec", 0)
	assert.Error(t, err)
}

func TestNewGoroutineTaskRunnerAcceptsValidCronSpec(t *testing.T) {
	r, err := NewGoroutineTaskRunner(nil, "0 */15 * * * *", 0)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background(), newCountingTask(1)))
	assert.NoError(t, r.Shutdown(context.Background()))
}

// A positive pollInterval must drive Iterate on its own, with no explicit
// Wakeup call, as the safety net against a missed event-driven wakeup.
func TestGoroutineTaskRunnerPollIntervalDrivesIterateWithoutWakeup(t *testing.T) {
	r, err := NewGoroutineTaskRunner(nil, "", 5*time.Millisecond)
	require.NoError(t, err)

	task := newCountingTask(1)
	require.NoError(t, r.Start(context.Background(), task))
	defer r.Shutdown(context.Background())

	select {
	case <-task.idle:
	case <-time.After(time.Second):
		t.Fatal("poll interval never drove an iterate without an explicit wakeup")
	}
}
