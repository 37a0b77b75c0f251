package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is the immutable unit of transfer. Once sent, only the
// broker-maintained RedeliveryCount and RegionDestination fields mutate.
type Message struct {
	ID                string
	Seq               uint64
	Payload           []byte
	Headers           map[string]string
	Persistent        bool
	Expiration        time.Time
	GroupID           string
	TransactionID     string
	RedeliveryCount   int
	RegionDestination Destination
}

// NewMessage builds a Message with a generated id.
func NewMessage(payload []byte) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Payload: payload,
		Headers: make(map[string]string),
	}
}

// Expired reports whether the message's expiration has passed. A zero
// Expiration means the message never expires.
func (m *Message) Expired(now time.Time) bool {
	return !m.Expiration.IsZero() && now.After(m.Expiration)
}

// LockOwner is an abstract actor that can hold the per-reference lock.
// Consumers and the HIGH_PRIORITY admin owner both implement this.
type LockOwner interface {
	OwnerID() string
	LockPriority() int
	IsExclusive() bool
}

// highPriorityOwner is the distinguished owner used by admin operations
// (purge, removeMatching, copyMatching, moveMatching) to seize references
// regardless of which consumer would otherwise hold the lock.
type highPriorityOwner struct{}

func (highPriorityOwner) OwnerID() string  { return "__admin__" }
func (highPriorityOwner) LockPriority() int { return int(^uint(0) >> 1) }
func (highPriorityOwner) IsExclusive() bool { return false }

// HighPriorityOwner is the package-wide instance used by admin operations.
var HighPriorityOwner LockOwner = highPriorityOwner{}

// MessageReference is the paged-in entity: a handle to a message id with
// lazy body access, a reference count gating body retention, a
// per-reference lock, and a monotonic dropped flag.
type MessageReference struct {
	mu sync.Mutex

	id       string
	seq      uint64
	groupID  string
	expires  time.Time
	store    MessageStore
	dropped  bool
	refCount int
	lockedBy LockOwner

	body       []byte
	bodyLoaded bool
}

// NewIndirectReference wraps a message id as a lazily-loaded reference.
// Per spec §4.8, the initial reference count is decremented to zero after
// wrapping so only explicit holders (paging, browse, admin ops) retain it.
func NewIndirectReference(msg *Message, store MessageStore) *MessageReference {
	return &MessageReference{
		id:      msg.ID,
		seq:     msg.Seq,
		groupID: msg.GroupID,
		expires: msg.Expiration,
		store:   store,
	}
}

func (r *MessageReference) ID() string { return r.id }

// Seq returns the coordinator-assigned monotonic sequence number, used to
// evaluate whether a reference falls within an AckRange.
func (r *MessageReference) Seq() uint64 { return r.seq }

func (r *MessageReference) GroupID() string { return r.groupID }

func (r *MessageReference) Expired(now time.Time) bool {
	return !r.expires.IsZero() && now.After(r.expires)
}

// Dropped reports the monotonic tombstone flag.
func (r *MessageReference) Dropped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Drop tombstones the reference. Idempotent: dropping an already-dropped
// reference is a no-op and reports false (no new drop occurred).
func (r *MessageReference) Drop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped {
		return false
	}
	r.dropped = true
	return true
}

// Acquire increments the reference count and returns it.
func (r *MessageReference) Acquire() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refCount++
	return r.refCount
}

// Release decrements the reference count, floored at zero, and releases
// the cached body once the count returns to zero.
func (r *MessageReference) Release() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refCount > 0 {
		r.refCount--
	}
	if r.refCount == 0 {
		r.body = nil
		r.bodyLoaded = false
	}
	return r.refCount
}

// TryLock applies the Lock/Group Manager rule set from spec §4.5 against
// the current exclusive owner and highest priority, both supplied by the
// caller under exclusiveLockMutex.
func (r *MessageReference) TryLock(owner LockOwner, exclusiveOwner LockOwner, highestPriority int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lockedBy != nil && r.lockedBy.OwnerID() == owner.OwnerID() {
		return true
	}
	if r.lockedBy != nil {
		return false
	}
	// Rule 1: the established queue-wide exclusive owner always gets in,
	// re-entrant, ahead of the priority gate below — otherwise a
	// higher-priority non-exclusive subscription added after the
	// exclusive owner raises highestPriority past the owner's own
	// priority and locks it out of its own queue.
	if exclusiveOwner != nil && exclusiveOwner.OwnerID() == owner.OwnerID() {
		r.lockedBy = owner
		return true
	}
	if exclusiveOwner != nil {
		return false
	}
	if owner.LockPriority() < highestPriority {
		return false
	}
	r.lockedBy = owner
	return true
}

// Unlock releases the per-reference lock if owner currently holds it.
func (r *MessageReference) Unlock(owner LockOwner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockedBy != nil && r.lockedBy.OwnerID() == owner.OwnerID() {
		r.lockedBy = nil
	}
}

// LockOwnerID reports who currently holds the per-reference lock, or "".
func (r *MessageReference) LockOwnerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockedBy == nil {
		return ""
	}
	return r.lockedBy.OwnerID()
}

// Body lazily loads the message body via the store, caching it while the
// reference count is held above zero.
func (r *MessageReference) Body(msg *Message) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bodyLoaded {
		return r.body
	}
	if msg != nil {
		r.body = msg.Payload
		r.bodyLoaded = true
	}
	return r.body
}

// Ack is a consumer's acknowledgement of a single reference or a
// contiguous range of references sharing sequential ids.
type Ack struct {
	ConsumerID string
	Range      AckRange
}

// AckRange describes the references covered by an acknowledgement.
// Count == 1 (the common case) identifies a single concrete reference by
// FirstID; Count > 1 requests the bulk-ack path designed in
// SPEC_FULL.md §9, covering every non-dropped paged-in reference locked
// by the acknowledging consumer whose sequence number falls in
// [FirstSeq, LastSeq].
type AckRange struct {
	FirstID  string
	FirstSeq uint64
	LastSeq  uint64
	Count    int
}

// SingleAck builds an AckRange covering exactly one id.
func SingleAck(id string) AckRange {
	return AckRange{FirstID: id, Count: 1}
}

// NewAckRange builds a multi-reference AckRange covering [firstSeq, lastSeq].
func NewAckRange(firstSeq, lastSeq uint64, count int) AckRange {
	return AckRange{FirstSeq: firstSeq, LastSeq: lastSeq, Count: count}
}
