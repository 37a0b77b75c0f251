package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Queue is the Queue Coordinator façade from spec §4.7/§4.8: the public
// surface producers, subscriptions, and administrative callers use, plus
// the cooperative Iterate tick that drives paging and dispatch.
//
// Named mutexes follow the published lock order from spec §5:
// doDispatchMutex -> (cursorMutex | pagedInMutex) -> consumersMutex ->
// exclusiveLockMutex. cursorMutex lives inside the PendingCursor
// implementation, pagedInMutex inside pagedInSet, consumersMutex inside
// subscriptionRegistry, exclusiveLockMutex inside lockManager; doDispatchMu
// below is the only mutex of this order that Queue itself holds directly
// (msgCacheMu only guards the body cache and is never held while another
// lock is taken). The valve is not a mutex and does not participate in
// this order.
type Queue struct {
	destination Destination
	cfg         Config
	logger      Logger
	sink        EventSink

	cursor     PendingCursor
	paged      *pagedInSet
	registry   *subscriptionRegistry
	locks      *lockManager
	groups     *groupMap
	valve      *dispatchValve
	policy     DispatchPolicy
	store      MessageStore
	accountant UsageAccountant
	deadLetter DeadLetterStrategy
	taskRunner TaskRunner
	stats      *Statistics

	doDispatchMu sync.Mutex

	maxPagedIn atomic.Int64
	seq        atomic.Uint64

	msgCacheMu sync.Mutex
	msgCache   map[string]*Message
}

// New builds a Queue for destination with cfg and the given options
// applied over the teacher-grounded defaults (in-memory cursor/store/
// accountant, round-robin policy, drop dead-letter strategy,
// goroutine-pool task runner).
func New(destination Destination, cfg Config, opts ...Option) (*Queue, error) {
	q := &Queue{
		destination: destination,
		cfg:         cfg,
		logger:      noopLogger{},
		cursor:      NewMemoryCursor(),
		paged:       newPagedInSet(cfg.GCThreshold),
		registry:    newSubscriptionRegistry(),
		locks:       newLockManager(),
		groups:      newGroupMap(),
		valve:       newDispatchValve(4096),
		policy:      RoundRobinPolicy{},
		store:       NewMemoryStore(),
		accountant:  NewMemoryAccountant(cfg.AccountantLimit, cfg.AccountantFailFast),
		deadLetter:  DropDeadLetterStrategy{},
		stats:       NewStatistics(nil),
		msgCache:    make(map[string]*Message),
	}
	q.maxPagedIn.Store(int64(cfg.BasePagedIn))

	for _, opt := range opts {
		opt(q)
	}

	if q.cfg.DispatchPolicy == "priority" {
		q.policy = PriorityWeightedPolicy{}
	}
	q.store.SetUsageManager(q.accountant)

	if q.taskRunner == nil {
		runner, err := NewGoroutineTaskRunner(q.logger, cfg.PurgeCronSpec, cfg.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("queue: new task runner: %w", err)
		}
		q.taskRunner = runner
	}
	return q, nil
}

// Start opens the cursor's backing resources and, if recovery is
// required, replays it, then starts the background task runner driving
// Iterate.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.cursor.Start(ctx); err != nil {
		return fmt.Errorf("queue: start cursor: %w", err)
	}
	return q.taskRunner.Start(ctx, q)
}

// Close stops the background task runner, bounded by ctx.
func (q *Queue) Close(ctx context.Context) error {
	return q.taskRunner.Shutdown(ctx)
}

// Destination returns this queue's identity.
func (q *Queue) Destination() Destination { return q.destination }

// Stats returns a point-in-time snapshot of this queue's Statistics. The
// Depth field is, per the decided Open Question in SPEC_FULL.md §9, read
// from the pending cursor's size alone and does not include paged-in
// count; this is documented here as an approximation, matching the
// source's own behavior rather than "fixing" it, since the invariants
// this engine must hold depend only on the exact enqueue/dequeue
// counters, not on this display gauge.
func (q *Queue) Stats() Snapshot {
	return q.stats.snapshot(int64(q.cursor.Size()))
}

func (q *Queue) dispatchContext() DispatchContext {
	return DispatchContext{Groups: q.groups, Locks: q.locks}
}

func (q *Queue) cacheMessage(msg *Message) {
	q.msgCacheMu.Lock()
	q.msgCache[msg.ID] = msg
	q.msgCacheMu.Unlock()
}

func (q *Queue) uncacheMessage(id string) {
	q.msgCacheMu.Lock()
	delete(q.msgCache, id)
	q.msgCacheMu.Unlock()
}

// loadMessage resolves a reference's body, preferring the in-process
// cache populated when the reference was paged in (this also serves
// non-persistent messages, which have no durable store entry to fall
// back to), falling back to the MessageStore for a reference recovered
// without ever having been cached in this process. Store failures are
// logged and the reference is skipped (LoadFailure per spec §7), not
// propagated to the caller.
func (q *Queue) loadMessage(ctx context.Context, ref *MessageReference) *Message {
	q.msgCacheMu.Lock()
	msg, ok := q.msgCache[ref.ID()]
	q.msgCacheMu.Unlock()
	if ok {
		return msg
	}
	if q.store == nil {
		return nil
	}
	msg, err := q.store.GetMessage(ctx, ref.ID())
	if err != nil {
		q.logger.Warn("queue: load message failed", "id", ref.ID(), "error", err)
		return nil
	}
	q.cacheMessage(msg)
	return msg
}

// Send implements spec §4.7's send operation.
func (q *Queue) Send(ctx context.Context, msg *Message) error {
	now := time.Now()
	if msg.Expired(now) {
		return nil
	}

	if q.accountant.IsFull() {
		if q.accountant.IsSendFailIfNoSpace() {
			return ErrResourceExhausted
		}
		if err := q.accountant.WaitForSpace(ctx); err != nil {
			return err
		}
		if msg.Expired(time.Now()) {
			return nil
		}
	}

	msg.Seq = q.seq.Add(1)
	msg.RegionDestination = q.destination

	if msg.Persistent && q.store != nil {
		if err := q.store.AddMessage(ctx, msg); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreFailure, err)
		}
	}

	if tx, ok := transactionFromContext(ctx); ok {
		tx.registerPostCommit(func(cctx context.Context) error {
			if msg.Expired(time.Now()) {
				return nil
			}
			return q.appendAndPage(cctx, msg)
		})
		return nil
	}

	return q.appendAndPage(ctx, msg)
}

func (q *Queue) appendAndPage(ctx context.Context, msg *Message) error {
	if err := q.cursor.AddMessageLast(ctx, msg); err != nil {
		q.logger.Error("queue: fatal cursor add", "id", msg.ID, "error", err)
		return nil
	}
	q.accountant.Reserve(1)
	q.cacheMessage(msg)
	q.stats.incEnqueue()
	q.emit(EventTypeMessageSent, map[string]any{"id": msg.ID})
	q.pageInMessages(ctx, false)
	q.taskRunner.Wakeup()
	return nil
}

// AddSubscription implements spec §4.7's addSubscription operation.
//
// Per the decided Open Question in SPEC_FULL.md §9, pageIn(true) runs
// before valve.turnOff, exactly as the source orders it: a dispatch cycle
// that starts between the registry insert and the valve turning off may
// complete against a consumer snapshot that does not yet include sub.
// The forced re-offer below, after the valve is off, is what brings sub
// current — it is not relied upon to prevent that race, only to correct
// for it.
func (q *Queue) AddSubscription(ctx context.Context, sub Subscription) error {
	if sub == nil {
		return ErrSubscriptionNil
	}
	if err := sub.AddedTo(q); err != nil {
		return err
	}
	info := sub.ConsumerInfo()
	q.stats.incConsumers()
	q.maxPagedIn.Add(int64(info.Prefetch))
	q.registry.insert(sub)

	q.pageInMessages(ctx, true)

	if err := q.valve.turnOff(ctx); err != nil {
		return err
	}
	defer q.valve.turnOn()

	q.locks.raiseHighestPriority(info.Priority)

	dctx := q.dispatchContext()
	for _, ref := range q.paged.snapshot() {
		if ref.Dropped() {
			continue
		}
		// A ref already locked by sub was handed to it by the
		// pageInMessages(true) call above, which already saw sub in the
		// registry snapshot; re-offering it here would call sub.Add a
		// second time for the same reference.
		if ref.LockOwnerID() == sub.LockOwner().OwnerID() {
			continue
		}
		msg := q.loadMessage(ctx, ref)
		if msg == nil {
			continue
		}
		if sub.Matches(ref, msg) {
			offerTo(ref, msg, dctx, sub)
		}
	}
	q.emit(EventTypeSubscriptionAdded, map[string]any{"consumerId": info.ConsumerID})
	return nil
}

// RemoveSubscription implements spec §4.7's removeSubscription operation.
func (q *Queue) RemoveSubscription(ctx context.Context, sub Subscription) error {
	if sub == nil {
		return ErrSubscriptionNil
	}
	info := sub.ConsumerInfo()
	q.stats.decConsumers()
	q.maxPagedIn.Add(-int64(info.Prefetch))

	if err := q.valve.turnOff(ctx); err != nil {
		return err
	}
	defer q.valve.turnOn()

	q.registry.remove(sub)
	if err := sub.RemovedFrom(q); err != nil {
		q.logger.Warn("queue: subscription removal hook failed", "consumerId", info.ConsumerID, "error", err)
	}
	q.locks.recomputeHighestPriority(q.registry.snapshot())

	wasExclusiveOwner := q.locks.clearExclusiveIfOwner(sub.LockOwner())
	orphaned := q.groups.removeConsumer(info.ConsumerID)

	if !info.Browser {
		owner := sub.LockOwner()
		for _, ref := range q.paged.snapshot() {
			if ref.Dropped() {
				continue
			}
			_, orphanGroup := orphaned[ref.GroupID()]
			if ref.LockOwnerID() != owner.OwnerID() && !wasExclusiveOwner && !orphanGroup {
				continue
			}
			ref.Unlock(owner)
			msg := q.loadMessage(ctx, ref)
			if msg == nil {
				continue
			}
			msg.RedeliveryCount++
			q.emit(EventTypeMessageRedelivered, map[string]any{"id": ref.ID(), "consumerId": info.ConsumerID})
			if q.cfg.MaxRedeliveries > 0 && msg.RedeliveryCount > q.cfg.MaxRedeliveries {
				q.sendToDeadLetter(ctx, ref, msg)
				continue
			}
			consumers := q.registry.snapshot()
			q.policy.Dispatch(ref, msg, q.dispatchContext(), consumers)
		}
	}

	q.emit(EventTypeSubscriptionRemoved, map[string]any{"consumerId": info.ConsumerID})
	return nil
}

// collectAckTargets resolves the concrete references an AckRange covers,
// realizing the bulk-ack design from SPEC_FULL.md §9: Count == 1 looks up
// FirstID directly; Count > 1 scans the paged-in snapshot once for every
// reference whose sequence number falls in [FirstSeq, LastSeq].
func (q *Queue) collectAckTargets(ack AckRange) []*MessageReference {
	snapshot := q.paged.snapshot()
	if ack.Count == 1 {
		for _, ref := range snapshot {
			if ref.ID() == ack.FirstID {
				return []*MessageReference{ref}
			}
		}
		return nil
	}
	var out []*MessageReference
	for _, ref := range snapshot {
		if ref.Seq() >= ack.FirstSeq && ref.Seq() <= ack.LastSeq {
			out = append(out, ref)
		}
	}
	return out
}

// Acknowledge implements spec §4.7's acknowledge operation. Acknowledging
// an id that is not present (already acked, or never dispatched) is a
// no-op, satisfying the idempotent-ack invariant from spec §8. A range
// ack (Count > 1) covers only non-dropped references locked by sub; with
// a nil sub it covers none.
func (q *Queue) Acknowledge(ctx context.Context, sub Subscription, ack AckRange) error {
	if ack.Count <= 0 {
		return ErrInvalidAckRange
	}
	var ownerID string
	if sub != nil {
		ownerID = sub.LockOwner().OwnerID()
	}
	for _, ref := range q.collectAckTargets(ack) {
		if ack.Count > 1 && (sub == nil || ref.Dropped() || ref.LockOwnerID() != ownerID) {
			continue
		}
		if q.store != nil {
			if err := q.store.RemoveMessage(ctx, SingleAck(ref.ID())); err != nil {
				return fmt.Errorf("%w: %v", ErrStoreFailure, err)
			}
		}
		q.drop(ref)
	}
	return nil
}

// drop tombstones ref and emits a dropEvent, counting one dequeue and
// releasing one accountant unit. Per the decided Open Question in
// SPEC_FULL.md §9, expirations are counted as well: a message found
// expired while paging in never becomes a reference and does not pass
// through drop, so doPageIn counts its dequeue and releases its unit
// itself.
func (q *Queue) drop(ref *MessageReference) {
	if !ref.Drop() {
		return
	}
	q.paged.markDropped()
	q.stats.incDequeue()
	q.accountant.Release(1)
	q.uncacheMessage(ref.ID())
	q.emit(EventTypeMessageDropped, map[string]any{"id": ref.ID()})
	q.paged.maybeGC()
}

// sendToDeadLetter hands msg to the configured DeadLetterStrategy once its
// RedeliveryCount has exceeded Config.MaxRedeliveries, then drops ref
// instead of re-offering it. A strategy failure is logged and the
// reference is still tombstoned: per spec §7's propagation policy,
// dispatch-side failures are logged and do not block the drop that
// already removed the reference from further redelivery.
func (q *Queue) sendToDeadLetter(ctx context.Context, ref *MessageReference, msg *Message) {
	if err := q.deadLetter.Handle(ctx, msg); err != nil {
		q.logger.Warn("queue: dead letter handling failed", "id", ref.ID(), "error", err)
	}
	if q.store != nil && msg.Persistent {
		_ = q.store.RemoveMessage(ctx, SingleAck(ref.ID()))
	}
	q.drop(ref)
	q.emit(EventTypeMessageDeadLettered, map[string]any{"id": ref.ID()})
}

// Purge implements spec §4.7's purge operation: force a paging pass,
// seize every reference with the HIGH_PRIORITY owner, ack-and-drop it,
// then run gc once at the end to avoid O(N^2) compaction.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	q.pageInMessages(ctx, true)
	count := 0
	for _, ref := range q.paged.snapshot() {
		if ref.Dropped() {
			continue
		}
		if !q.locks.tryLock(ref, HighPriorityOwner) {
			continue
		}
		if q.store != nil {
			_ = q.store.RemoveMessage(ctx, SingleAck(ref.ID()))
		}
		if ref.Drop() {
			q.paged.markDropped()
			q.stats.incDequeue()
			q.accountant.Release(1)
			q.uncacheMessage(ref.ID())
			count++
		}
	}
	q.paged.forceGC()
	q.emit(EventTypeQueuePurged, map[string]any{"count": count})
	return count, nil
}

// Filter evaluates a selector/filter predicate against a message for the
// admin matching operations. Selector-expression parsing itself is out of
// scope (spec §1); callers supply the compiled predicate.
type Filter func(msg *Message) bool

// RemoveMatching implements spec §4.7's removeMatching operation.
func (q *Queue) RemoveMatching(ctx context.Context, filter Filter, max int) (int, error) {
	if filter == nil {
		return 0, ErrInvalidSelector
	}
	q.pageInMessages(ctx, true)
	count := 0
	for _, ref := range q.paged.snapshot() {
		if max > 0 && count >= max {
			break
		}
		if ref.Dropped() {
			continue
		}
		msg := q.loadMessage(ctx, ref)
		if msg == nil {
			continue
		}
		if !filter(msg) {
			continue
		}
		single := SingleAck(ref.ID())
		if q.store != nil {
			_ = q.store.RemoveMessage(ctx, single)
		}
		if ref.Drop() {
			q.paged.markDropped()
			q.stats.incDequeue()
			q.accountant.Release(1)
			q.uncacheMessage(ref.ID())
			count++
		}
	}
	q.paged.forceGC()
	return count, nil
}

// CopyMatching implements spec §4.7's copyMatching operation: matching
// messages are resent to target without being removed from this queue.
func (q *Queue) CopyMatching(ctx context.Context, filter Filter, max int, target *Queue) (int, error) {
	if filter == nil {
		return 0, ErrInvalidSelector
	}
	q.pageInMessages(ctx, true)
	count := 0
	for _, ref := range q.paged.snapshot() {
		if max > 0 && count >= max {
			break
		}
		if ref.Dropped() {
			continue
		}
		msg := q.loadMessage(ctx, ref)
		if msg == nil {
			continue
		}
		if !filter(msg) {
			continue
		}
		ref.Acquire()
		copied := *msg
		copied.ID = ""
		copied.Seq = 0
		if err := target.Send(ctx, NewMessage(copied.Payload)); err != nil {
			ref.Release()
			continue
		}
		ref.Release()
		count++
	}
	return count, nil
}

// MoveMatching implements spec §4.7's moveMatching operation: lock with
// HIGH_PRIORITY, copy to target, then remove from this queue.
func (q *Queue) MoveMatching(ctx context.Context, filter Filter, max int, target *Queue) (int, error) {
	if filter == nil {
		return 0, ErrInvalidSelector
	}
	q.pageInMessages(ctx, true)
	count := 0
	for _, ref := range q.paged.snapshot() {
		if max > 0 && count >= max {
			break
		}
		if ref.Dropped() {
			continue
		}
		if !q.locks.tryLock(ref, HighPriorityOwner) {
			continue
		}
		msg := q.loadMessage(ctx, ref)
		if msg == nil {
			continue
		}
		if !filter(msg) {
			ref.Unlock(HighPriorityOwner)
			continue
		}
		if err := target.Send(ctx, NewMessage(msg.Payload)); err != nil {
			ref.Unlock(HighPriorityOwner)
			continue
		}
		if q.store != nil {
			_ = q.store.RemoveMessage(ctx, SingleAck(ref.ID()))
		}
		if ref.Drop() {
			q.paged.markDropped()
			q.stats.incDequeue()
			q.accountant.Release(1)
			q.uncacheMessage(ref.ID())
			count++
		}
	}
	q.paged.forceGC()
	return count, nil
}

// Browse implements spec §4.7's browse operation: every paged-in
// reference first, then the pending cursor walked to the end. Individual
// body-load failures are logged and skipped.
//
// For a disk-spillable cursor, the pending-cursor walk is skipped: that
// backend's Next() destructively pops a record off disk (see
// cursor_disk.go), so a non-destructive browse of it is not possible
// without adding a second on-disk read cursor, which go-diskqueue does
// not expose. This is a documented limitation, not an attempt to work
// around it silently.
func (q *Queue) Browse(ctx context.Context) []*Message {
	var results []*Message
	for _, ref := range q.paged.snapshot() {
		if ref.Dropped() {
			continue
		}
		ref.Acquire()
		msg := q.loadMessage(ctx, ref)
		ref.Release()
		if msg == nil {
			continue
		}
		results = append(results, msg)
	}

	if _, isDisk := q.cursor.(*diskCursor); isDisk {
		q.logger.Debug("queue: browse skipping disk cursor walk (destructive read backend)")
		return results
	}

	q.cursor.Reset()
	for q.cursor.HasNext() {
		msg := q.cursor.Next()
		if msg == nil {
			break
		}
		results = append(results, msg)
	}
	return results
}

// GetMessage implements spec §4.7's getMessage operation: walks the
// pending cursor (not paged-in) for a matching id.
func (q *Queue) GetMessage(ctx context.Context, id string) (*Message, error) {
	if _, isDisk := q.cursor.(*diskCursor); isDisk {
		return nil, fmt.Errorf("%w: getMessage unsupported on disk cursor", ErrLoadFailure)
	}
	q.cursor.Reset()
	for q.cursor.HasNext() {
		msg := q.cursor.Next()
		if msg == nil {
			break
		}
		if msg.ID == id {
			return msg, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchReference, id)
}

// Iterate is the cooperative task body from spec §4.7: pages in what it
// can and reports whether more work is immediately available.
func (q *Queue) Iterate(ctx context.Context) bool {
	q.pageInMessages(ctx, false)
	return int64(q.cursor.Size()) > 0 && q.paged.len() < int(q.maxPagedIn.Load())
}

// pageInMessages is pageInMessages(force) from spec §4.8: under the
// dispatch mutex, page in then dispatch the batch in order.
//
// retryStuckDispatch also runs here: spec §4.6 says a reference no
// consumer could take "stays in Paged-In; a later consumer event or
// paging tick retries", so every pageInMessages cycle — not just the one
// that first paged a reference in — gets a chance to offer whatever is
// still sitting unlocked in Paged-In (e.g. because all consumers were
// over their prefetch credit at paging time but have since acked
// something). Without this, a reference paged in while every consumer
// was full would never be reconsidered, since doDispatch only walks the
// freshly paged batch.
func (q *Queue) pageInMessages(ctx context.Context, force bool) []*MessageReference {
	q.doDispatchMu.Lock()
	defer q.doDispatchMu.Unlock()
	batch := q.doPageIn(ctx, force)
	// Older, previously-stuck references are retried before this cycle's
	// freshly paged batch is dispatched, so a consumer that just freed one
	// unit of credit serves the oldest waiting reference rather than the
	// newest, preserving per-consumer delivery order.
	q.retryStuckDispatch(ctx, batch)
	q.doDispatch(ctx, batch)
	return batch
}

// retryStuckDispatch re-offers every non-dropped, currently-unlocked
// paged-in reference not already covered by batch this cycle.
func (q *Queue) retryStuckDispatch(ctx context.Context, batch []*MessageReference) {
	if q.registry.empty() {
		return
	}
	inBatch := make(map[*MessageReference]struct{}, len(batch))
	for _, ref := range batch {
		inBatch[ref] = struct{}{}
	}
	dctx := q.dispatchContext()
	consumers := q.registry.snapshot()
	for _, ref := range q.paged.snapshot() {
		if _, skip := inBatch[ref]; skip {
			continue
		}
		if ref.Dropped() || ref.LockOwnerID() != "" {
			continue
		}
		msg := q.loadMessage(ctx, ref)
		if msg == nil {
			continue
		}
		q.policy.Dispatch(ref, msg, dctx, consumers)
	}
}

func (q *Queue) doPageIn(ctx context.Context, force bool) []*MessageReference {
	toPageIn := int(q.maxPagedIn.Load()) - q.paged.len()
	if toPageIn <= 0 {
		return nil
	}
	if !force && q.registry.empty() {
		return nil
	}
	if err := q.valve.increment(ctx); err != nil {
		return nil
	}
	defer q.valve.decrement()

	var batch []*MessageReference
	q.cursor.Reset()
	count := 0
	for count < toPageIn && q.cursor.HasNext() {
		msg := q.cursor.Next()
		if msg == nil {
			break
		}
		q.cursor.Remove()
		if msg.Expired(time.Now()) {
			q.stats.incDequeue()
			q.accountant.Release(1)
			q.uncacheMessage(msg.ID)
			continue
		}
		ref := NewIndirectReference(msg, q.store)
		batch = append(batch, ref)
		count++
	}
	q.paged.append(batch...)
	return batch
}

func (q *Queue) doDispatch(ctx context.Context, batch []*MessageReference) {
	if len(batch) == 0 {
		return
	}
	dctx := q.dispatchContext()
	for _, ref := range batch {
		msg := q.loadMessage(ctx, ref)
		if msg == nil {
			continue
		}
		consumers := q.registry.snapshot()
		q.policy.Dispatch(ref, msg, dctx, consumers)
	}
}
