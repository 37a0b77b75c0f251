package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOwner struct {
	id        string
	priority  int
	exclusive bool
}

func (o testOwner) OwnerID() string   { return o.id }
func (o testOwner) LockPriority() int { return o.priority }
func (o testOwner) IsExclusive() bool { return o.exclusive }

func TestLockManagerReentrantForSameOwner(t *testing.T) {
	m := newLockManager()
	ref := refWithID("a")
	owner := testOwner{id: "c1"}

	assert.True(t, m.tryLock(ref, owner))
	assert.True(t, m.tryLock(ref, owner), "same owner re-acquiring its own lock must be granted")
}

func TestLockManagerDeniesWhenAnotherOwnerAlreadyHoldsIt(t *testing.T) {
	m := newLockManager()
	ref := refWithID("a")
	c1 := testOwner{id: "c1"}
	c2 := testOwner{id: "c2"}

	require.True(t, m.tryLock(ref, c1))
	assert.False(t, m.tryLock(ref, c2))
}

// Priority gate invariant: when highestPriority > lowerOwner.lockPriority,
// lock must return false for lowerOwner.
func TestLockManagerPriorityGateDeniesLowerPriorityOwner(t *testing.T) {
	m := newLockManager()
	ref := refWithID("a")
	m.raiseHighestPriority(5)

	low := testOwner{id: "low", priority: 1}
	assert.False(t, m.tryLock(ref, low))

	high := testOwner{id: "high", priority: 5}
	assert.True(t, m.tryLock(ref, high))
}

func TestLockManagerExclusiveOwnerBecomesQueueWideGate(t *testing.T) {
	m := newLockManager()
	excl := testOwner{id: "excl", exclusive: true}
	other := testOwner{id: "other"}

	ref1 := refWithID("a")
	require.True(t, m.tryLock(ref1, excl))
	assert.Equal(t, "excl", m.currentExclusiveOwner().OwnerID())

	ref2 := refWithID("b")
	assert.False(t, m.tryLock(ref2, other), "once an exclusive owner is set, no other owner may lock any reference")

	// The exclusive owner itself may still acquire further references.
	assert.True(t, m.tryLock(ref2, excl))
}

// Rule 1 must be checked ahead of rule 3: once excl is the established
// exclusiveOwner, raising highestPriority above excl's own priority (as
// AddSubscription does for any later, even non-exclusive, subscription)
// must not lock excl out of new references it is queue-wide entitled to.
func TestLockManagerExclusiveOwnerOutranksLaterRaisedPriority(t *testing.T) {
	m := newLockManager()
	excl := testOwner{id: "excl", priority: 0, exclusive: true}

	ref1 := refWithID("a")
	require.True(t, m.tryLock(ref1, excl))
	assert.Equal(t, "excl", m.currentExclusiveOwner().OwnerID())

	// A later, non-exclusive, higher-priority subscription raises
	// highestPriority past excl's own priority, exactly as
	// AddSubscription's lockManager.raiseHighestPriority call does.
	m.raiseHighestPriority(5)

	ref2 := refWithID("b")
	assert.True(t, m.tryLock(ref2, excl), "the established exclusive owner must still acquire new references despite a higher highestPriority")
}

func TestLockManagerClearExclusiveIfOwner(t *testing.T) {
	m := newLockManager()
	excl := testOwner{id: "excl", exclusive: true}
	ref := refWithID("a")
	require.True(t, m.tryLock(ref, excl))

	cleared := m.clearExclusiveIfOwner(excl)
	assert.True(t, cleared)
	assert.Nil(t, m.currentExclusiveOwner())

	clearedAgain := m.clearExclusiveIfOwner(excl)
	assert.False(t, clearedAgain)
}

func TestGroupMapBindsFirstDispatchAndStaysSticky(t *testing.T) {
	g := newGroupMap()
	owner := g.bind("group-a", "c1")
	assert.Equal(t, "c1", owner)

	again := g.bind("group-a", "c2")
	assert.Equal(t, "c1", again, "a bound group must stay bound to its first owner")

	got, ok := g.ownerOf("group-a")
	require.True(t, ok)
	assert.Equal(t, "c1", got)
}

func TestGroupMapRemoveConsumerReturnsOrphanedGroups(t *testing.T) {
	g := newGroupMap()
	g.bind("group-a", "c1")
	g.bind("group-b", "c1")
	g.bind("group-c", "c2")

	orphaned := g.removeConsumer("c1")
	assert.Len(t, orphaned, 2)
	_, hasA := orphaned["group-a"]
	_, hasB := orphaned["group-b"]
	assert.True(t, hasA)
	assert.True(t, hasB)

	_, stillBound := g.ownerOf("group-c")
	assert.True(t, stillBound)
}
