package queue

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// IterateTask is the cooperative task body a TaskRunner drives: it
// returns true when more work is immediately available, asking the
// runner to re-invoke it without waiting for the next wakeup.
type IterateTask interface {
	Iterate(ctx context.Context) bool
}

// TaskRunner is the external background-task collaborator from spec §6:
// it accepts a task and offers Wakeup/Shutdown.
type TaskRunner interface {
	Start(ctx context.Context, task IterateTask) error
	Wakeup()
	Shutdown(ctx context.Context) error
}

// goroutineTaskRunner is a single-worker TaskRunner driving Iterate on
// wakeup signals, with an optional cron-scheduled periodic wakeup layered
// on top. A scheduled wakeup runs Iterate like any other; it does not
// call Purge.
//
// Grounded on the teacher's modules/scheduler/scheduler.go: the
// WaitGroup+timeout graceful-shutdown shape, the wakeup-channel-driven
// worker loop, and the optional *cron.Cron-scheduled path
// (modules/scheduler/go.mod's robfig/cron/v3).
type goroutineTaskRunner struct {
	logger Logger

	wakeupCh chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	cronSched    *cron.Cron
	pollInterval time.Duration
	started      bool
	mu           sync.Mutex
}

// NewGoroutineTaskRunner builds a TaskRunner with a single background
// worker. If purgeCronSpec is non-empty, it additionally wakes the task
// on that cron schedule (e.g. "0 */15 * * * *" for every 15 minutes);
// the scheduled wakeup only drives Iterate and removes no messages. If
// pollInterval is positive, the worker also wakes on that
// fixed cadence regardless of send/ack/add activity, a safety net
// against a missed or coalesced event-driven wakeup.
func NewGoroutineTaskRunner(logger Logger, purgeCronSpec string, pollInterval time.Duration) (TaskRunner, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	r := &goroutineTaskRunner{
		logger:       logger,
		wakeupCh:     make(chan struct{}, 1),
		pollInterval: pollInterval,
	}
	if purgeCronSpec != "" {
		r.cronSched = cron.New(cron.WithSeconds())
		if _, err := r.cronSched.AddFunc(purgeCronSpec, r.Wakeup); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *goroutineTaskRunner) Start(ctx context.Context, task IterateTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.wakeupCh:
				for task.Iterate(r.ctx) {
					select {
					case <-r.ctx.Done():
						return
					default:
					}
				}
			}
		}
	}()

	if r.pollInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := time.NewTicker(r.pollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-r.ctx.Done():
					return
				case <-ticker.C:
					r.Wakeup()
				}
			}
		}()
	}

	if r.cronSched != nil {
		r.cronSched.Start()
	}
	r.logger.Info("queue task runner started")
	return nil
}

func (r *goroutineTaskRunner) Wakeup() {
	select {
	case r.wakeupCh <- struct{}{}:
	default:
	}
}

// Shutdown signals the worker to stop, waits for the in-flight Iterate
// call to finish (bounded by ctx), and refuses further wakeups.
func (r *goroutineTaskRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()

	if r.cronSched != nil {
		stopCtx := r.cronSched.Stop()
		<-stopCtx.Done()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// defaultPollInterval is used by callers that want a timer-driven
// wakeup cadence in addition to event-driven wakeups (send/ack/add).
const defaultPollInterval = 250 * time.Millisecond
