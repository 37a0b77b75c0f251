package queue

// DispatchContext carries the per-cycle state a DispatchPolicy needs to
// evaluate an offer: the group map for affinity binding and the lock
// manager for priority/exclusivity arbitration.
type DispatchContext struct {
	Groups *groupMap
	Locks  *lockManager
}

// DispatchPolicy is the pure function from spec §4.6 over
// (reference, context, consumers) selecting which subscription receives
// an offer. Implementations must not mutate consumers; any affinity or
// lock state they need to record goes through DispatchContext.
//
// Grounded on the "dynamic dispatch over Policy ... expressed as
// capability interfaces" note in spec §9, and on the pluggable-backend
// shape of the teacher's modules/eventbus/engine_registry.go
// (EngineFactory / registry), generalized here to a plain interface swap
// since a full factory/registry is unneeded for two built-in policies.
type DispatchPolicy interface {
	// Dispatch attempts to offer ref to one consumer, returning the
	// consumer that accepted it, or nil if none could.
	Dispatch(ref *MessageReference, msg *Message, dctx DispatchContext, consumers []Subscription) Subscription
}

// RoundRobinPolicy is the default policy: iterate consumers in their
// current order, skip non-matches, offer to the first with available
// prefetch credit, binding group affinity on first dispatch of a group.
type RoundRobinPolicy struct{}

func (RoundRobinPolicy) Dispatch(ref *MessageReference, msg *Message, dctx DispatchContext, consumers []Subscription) Subscription {
	return dispatchRoundRobin(ref, msg, dctx, consumers, 0)
}

// PriorityWeightedPolicy offers each reference to consumers in descending
// priority order, keeping the original order among equal priorities, and
// gives it to the first matching consumer with prefetch credit. Every
// consumer gets at most one offer attempt per reference. It is the
// alternate DispatchPolicy wired per SPEC_FULL.md's dynamic
// dispatch note; selected via Config.DispatchPolicy = "priority".
type PriorityWeightedPolicy struct{}

func (PriorityWeightedPolicy) Dispatch(ref *MessageReference, msg *Message, dctx DispatchContext, consumers []Subscription) Subscription {
	// Stable-sort a working copy by descending priority, ties broken by
	// original position, then fall back to the same round-robin scan.
	ordered := make([]Subscription, len(consumers))
	copy(ordered, consumers)
	for i := 1; i < len(ordered); i++ {
		j := i
		for j > 0 && ordered[j-1].ConsumerInfo().Priority < ordered[j].ConsumerInfo().Priority {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
			j--
		}
	}
	return dispatchRoundRobin(ref, msg, dctx, ordered, 0)
}

func dispatchRoundRobin(ref *MessageReference, msg *Message, dctx DispatchContext, consumers []Subscription, startAt int) Subscription {
	n := len(consumers)
	if n == 0 {
		return nil
	}
	if groupID := ref.GroupID(); groupID != "" {
		if ownerID, bound := dctx.Groups.ownerOf(groupID); bound {
			for _, sub := range consumers {
				if sub.ConsumerInfo().ConsumerID == ownerID {
					if offerTo(ref, msg, dctx, sub) {
						return sub
					}
					return nil
				}
			}
		}
	}
	for i := 0; i < n; i++ {
		sub := consumers[(startAt+i)%n]
		if !sub.Matches(ref, msg) {
			continue
		}
		if offerTo(ref, msg, dctx, sub) {
			if groupID := ref.GroupID(); groupID != "" {
				dctx.Groups.bind(groupID, sub.ConsumerInfo().ConsumerID)
			}
			return sub
		}
	}
	return nil
}

func offerTo(ref *MessageReference, msg *Message, dctx DispatchContext, sub Subscription) bool {
	owner := sub.LockOwner()
	if !dctx.Locks.tryLock(ref, owner) {
		return false
	}
	if !sub.Add(ref, msg) {
		ref.Unlock(owner)
		return false
	}
	return true
}
