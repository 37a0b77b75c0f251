package queue

// ConsumerInfo is the static identity and policy-relevant attributes of
// a subscription: consumer id, priority, exclusivity, browser flag, and
// prefetch size.
type ConsumerInfo struct {
	ConsumerID string
	Priority   int
	Exclusive  bool
	Browser    bool
	Prefetch   int
}

// Subscription is the external, opaque consumer sink the queue dispatches
// into. The queue only ever calls Matches/Add/AddedTo/RemovedFrom/
// ConsumerInfo/LockOwner;
// everything else (in-flight window, credit, transport) is the
// subscription's own concern, per spec §3/§6.
//
// Shaped after the teacher's modules/eventbus/eventbus.go Subscription
// interface (Topic/ID/IsAsync/Cancel), generalized to the richer
// selector+group+prefetch contract spec §4.7 requires.
type Subscription interface {
	// ConsumerInfo reports this subscription's static attributes.
	ConsumerInfo() ConsumerInfo

	// LockOwner returns the LockOwner this subscription locks references
	// under; typically the subscription itself.
	LockOwner() LockOwner

	// Matches reports whether ref is eligible for this subscription
	// (selector predicate + any subscription-side capability check).
	// Group affinity and prefetch-credit checks happen in Add/the
	// policy, not here.
	Matches(ref *MessageReference, msg *Message) bool

	// Add offers ref (with its body available via msg) to the
	// subscription. Returns false if the subscription cannot currently
	// accept it (e.g. prefetch credit exhausted), in which case the
	// caller must unlock ref.
	Add(ref *MessageReference, msg *Message) bool

	// AddedTo and RemovedFrom are called by the coordinator when this
	// subscription is added to or removed from a queue, mirroring the external
	// sub.add(ctx, queue)/sub.remove(ctx, queue) lifecycle hooks from
	// spec §3.
	AddedTo(q *Queue) error
	RemovedFrom(q *Queue) error
}
