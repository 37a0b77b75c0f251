package queue

import "sync"

// lockManager holds the queue-wide exclusive-owner gate from spec §4.5.
// MessageReference.TryLock implements the five-rule decision table; this
// type owns the exclusiveOwner/highestPriority state the rule table reads
// and writes, all under its own mutex (exclusiveLockMutex in the
// published lock order).
type lockManager struct {
	mu              sync.Mutex
	exclusiveOwner  LockOwner
	highestPriority int
}

func newLockManager() *lockManager {
	return &lockManager{}
}

// tryLock applies the rule table from spec §4.5 to ref on behalf of owner.
func (m *lockManager) tryLock(ref *MessageReference, owner LockOwner) bool {
	m.mu.Lock()
	exclusiveOwner := m.exclusiveOwner
	highestPriority := m.highestPriority
	m.mu.Unlock()

	granted := ref.TryLock(owner, exclusiveOwner, highestPriority)
	if granted && owner.IsExclusive() {
		m.mu.Lock()
		if m.exclusiveOwner == nil {
			m.exclusiveOwner = owner
		}
		m.mu.Unlock()
	}
	return granted
}

// raiseHighestPriority raises highestPriority to at least p.
func (m *lockManager) raiseHighestPriority(p int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p > m.highestPriority {
		m.highestPriority = p
	}
}

// recomputeHighestPriority replaces highestPriority with the max observed
// across the current subscription list (called after removal, per spec
// §4.5/§4.7).
func (m *lockManager) recomputeHighestPriority(subs []Subscription) {
	max := 0
	for _, s := range subs {
		if p := s.ConsumerInfo().Priority; p > max {
			max = p
		}
	}
	m.mu.Lock()
	m.highestPriority = max
	m.mu.Unlock()
}

// clearExclusiveIfOwner clears exclusiveOwner if it currently belongs to
// owner, returning whether it was cleared.
func (m *lockManager) clearExclusiveIfOwner(owner LockOwner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exclusiveOwner != nil && m.exclusiveOwner.OwnerID() == owner.OwnerID() {
		m.exclusiveOwner = nil
		return true
	}
	return false
}

func (m *lockManager) currentExclusiveOwner() LockOwner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exclusiveOwner
}

// groupMap tracks group-id -> consumer-id sticky affinity, spec §3/§4.5.
type groupMap struct {
	mu      sync.Mutex
	owners  map[string]string // groupID -> consumerID
}

func newGroupMap() *groupMap {
	return &groupMap{owners: make(map[string]string)}
}

// bind assigns groupID to consumerID if not already bound, returning the
// (possibly pre-existing) owning consumerID.
func (g *groupMap) bind(groupID, consumerID string) string {
	if groupID == "" {
		return ""
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if owner, ok := g.owners[groupID]; ok {
		return owner
	}
	g.owners[groupID] = consumerID
	return consumerID
}

func (g *groupMap) ownerOf(groupID string) (string, bool) {
	if groupID == "" {
		return "", false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	owner, ok := g.owners[groupID]
	return owner, ok
}

// removeConsumer clears every group owned by consumerID, returning the
// set of orphaned group ids.
func (g *groupMap) removeConsumer(consumerID string) map[string]struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	orphaned := make(map[string]struct{})
	for group, owner := range g.owners {
		if owner == consumerID {
			orphaned[group] = struct{}{}
			delete(g.owners, group)
		}
	}
	return orphaned
}
