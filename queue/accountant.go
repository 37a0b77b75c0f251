package queue

import (
	"context"
	"sync"
)

// UsageAccountant is the byte/slot budget collaborator from spec §6: a
// queue creates its own accountant that delegates upward to a broker-wide
// one, so a single queue's backlog can trip a shared memory limit.
type UsageAccountant interface {
	IsFull() bool
	IsSendFailIfNoSpace() bool
	WaitForSpace(ctx context.Context) error
	SetLimit(n int64)
	PercentUsage() float64

	// Reserve/Release track one unit of usage (bytes, or message count
	// if the accountant is configured in slot mode); Send calls Reserve
	// after the cursor append succeeds, and Release is called whenever a
	// message leaves the queue (drop(), Purge, RemoveMatching,
	// MoveMatching, or expiry found while paging in).
	Reserve(n int64)
	Release(n int64)
}

// memoryAccountant is an in-process UsageAccountant using a blocking
// condition variable for the waiting path, grounded directly on Vitess's
// messageManager.cond / runSend's cond.Wait() loop
// (other_examples/1ca46027_...messager_message_manager.go.go), the one
// place in the retrieval pack that models exactly this
// blocking-producer-until-space-frees shape.
type memoryAccountant struct {
	mu          sync.Mutex
	cond        *sync.Cond
	used        int64
	limit       int64
	failIfFull  bool
}

// NewMemoryAccountant builds an in-memory UsageAccountant. failIfFull
// selects fail-fast (ResourceExhausted) vs. blocking mode for
// WaitForSpace.
func NewMemoryAccountant(limit int64, failIfFull bool) UsageAccountant {
	a := &memoryAccountant{limit: limit, failIfFull: failIfFull}
	a.cond = sync.NewCond(&a.mu)
	return a
}

func (a *memoryAccountant) IsFull() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limit > 0 && a.used >= a.limit
}

func (a *memoryAccountant) IsSendFailIfNoSpace() bool { return a.failIfFull }

// WaitForSpace blocks until usage drops below the limit or ctx is
// cancelled, in which case it returns ctx.Err() so the caller (Send)
// unwinds the same way an interrupted blocking wait does per spec §5.
func (a *memoryAccountant) WaitForSpace(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.mu.Lock()
		for a.limit > 0 && a.used >= a.limit {
			a.cond.Wait()
		}
		a.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wake the waiter; it re-checks the condition and, with usage
		// still at the limit, waits again. The helper goroutine exits
		// only once a later Release or SetLimit frees space, so it
		// outlives this call until then. The caller still unwinds at
		// once, matching the "accountant wait returns and the call
		// unwinds" cancellation behavior from spec §5.
		a.cond.Broadcast()
		return ctx.Err()
	}
}

func (a *memoryAccountant) SetLimit(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limit = n
	a.cond.Broadcast()
}

func (a *memoryAccountant) PercentUsage() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit <= 0 {
		return 0
	}
	return float64(a.used) / float64(a.limit) * 100
}

func (a *memoryAccountant) Reserve(n int64) {
	a.mu.Lock()
	a.used += n
	a.mu.Unlock()
}

func (a *memoryAccountant) Release(n int64) {
	a.mu.Lock()
	a.used -= n
	if a.used < 0 {
		a.used = 0
	}
	a.cond.Broadcast()
	a.mu.Unlock()
}
