package queue

import "sync"

// subscriptionRegistry is the copy-on-write ordered list of active
// consumers from spec §4.4. Exclusive subscriptions are inserted at the
// front so the dispatch policy sees them first; highestPriority tracks
// the max priority across all current subscriptions and is recomputed on
// removal.
//
// Grounded on the teacher's subscription bookkeeping in
// modules/eventbus/memory.go (map + mutex, derived state recomputed on
// change), adapted from a map to an ordered slice because spec §4.4
// requires insertion-order semantics a map cannot provide.
type subscriptionRegistry struct {
	mu              sync.RWMutex
	subs            []Subscription
	highestPriority int
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{}
}

// insert adds sub to the front if exclusive, else the back, publishing a
// new backing slice (copy-on-write) so concurrent readers of snapshot
// never observe a partially-built list.
func (r *subscriptionRegistry) insert(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]Subscription, 0, len(r.subs)+1)
	info := sub.ConsumerInfo()
	if info.Exclusive {
		next = append(next, sub)
		next = append(next, r.subs...)
	} else {
		next = append(next, r.subs...)
		next = append(next, sub)
	}
	r.subs = next
	if info.Priority > r.highestPriority {
		r.highestPriority = info.Priority
	}
}

// remove deletes sub and recomputes highestPriority by a full scan.
func (r *subscriptionRegistry) remove(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if s.ConsumerInfo().ConsumerID != sub.ConsumerInfo().ConsumerID {
			next = append(next, s)
		}
	}
	r.subs = next
	max := 0
	for _, s := range r.subs {
		if p := s.ConsumerInfo().Priority; p > max {
			max = p
		}
	}
	r.highestPriority = max
}

// snapshot returns the current published slice. Safe to range over
// without holding consumersMutex: the slice is never mutated in place,
// only replaced.
func (r *subscriptionRegistry) snapshot() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs
}

func (r *subscriptionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *subscriptionRegistry) getHighestPriority() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.highestPriority
}

// empty reports whether there are zero subscriptions.
func (r *subscriptionRegistry) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs) == 0
}
