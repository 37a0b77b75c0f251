package queue

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// dispatchValve is the counting gate from spec §4.1 / §5: dispatch paths
// call increment/decrement around each offer; topology-mutating
// operations call turnOff/turnOn to quiesce dispatch without holding a
// coarse lock. It is explicitly not a mutex and does not participate in
// the published lock order.
//
// Modeled on Vitess's messageManager.postponeSema: turnOff acquires the
// semaphore's full weight (forcing it to wait out every in-flight
// increment), turnOn releases it back.
type dispatchValve struct {
	sem *semaphore.Weighted
	cap int64
}

func newDispatchValve(capacity int64) *dispatchValve {
	if capacity <= 0 {
		capacity = 1024
	}
	return &dispatchValve{sem: semaphore.NewWeighted(capacity), cap: capacity}
}

// increment admits one in-flight dispatch. It never blocks under normal
// operation (capacity is sized far above realistic concurrency); ctx
// cancellation is honored in case turnOff is holding the gate.
func (v *dispatchValve) increment(ctx context.Context) error {
	return v.sem.Acquire(ctx, 1)
}

// decrement releases one in-flight dispatch admitted by increment.
func (v *dispatchValve) decrement() {
	v.sem.Release(1)
}

// turnOff blocks until every prior increment has paired with a decrement,
// then prevents any new increment from succeeding.
func (v *dispatchValve) turnOff(ctx context.Context) error {
	return v.sem.Acquire(ctx, v.cap)
}

// turnOn re-admits new increments after turnOff.
func (v *dispatchValve) turnOn() {
	v.sem.Release(v.cap)
}
