package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSubscriptionGrowsMaxPagedInByPrefetch(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	ctx := context.Background()
	base := q.maxPagedIn.Load()

	c1 := NewConsumer(ConsumerInfo{ConsumerID: "c1", Prefetch: 25}, nil)
	require.NoError(t, q.AddSubscription(ctx, c1))

	assert.Equal(t, base+25, q.maxPagedIn.Load())
}

func TestRemoveSubscriptionShrinksMaxPagedInByPrefetch(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	ctx := context.Background()
	base := q.maxPagedIn.Load()

	c1 := NewConsumer(ConsumerInfo{ConsumerID: "c1", Prefetch: 25}, nil)
	require.NoError(t, q.AddSubscription(ctx, c1))
	require.NoError(t, q.RemoveSubscription(ctx, c1))

	assert.Equal(t, base, q.maxPagedIn.Load())
}

func TestAddSubscriptionRejectsNil(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	assert.ErrorIs(t, q.AddSubscription(context.Background(), nil), ErrSubscriptionNil)
}

func TestRemoveSubscriptionRejectsNil(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	assert.ErrorIs(t, q.RemoveSubscription(context.Background(), nil), ErrSubscriptionNil)
}

// Exclusive consumer invariant, stated independently of dispatch timing:
// once RemoveSubscription clears an exclusive owner, a previously-blocked
// non-exclusive consumer becomes eligible again.
func TestExclusiveOwnerClearedOnRemovalReleasesOthers(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	ctx := context.Background()

	excl := NewConsumer(ConsumerInfo{ConsumerID: "excl", Prefetch: 5, Exclusive: true}, nil)
	require.NoError(t, q.AddSubscription(ctx, excl))
	other := NewConsumer(ConsumerInfo{ConsumerID: "other", Prefetch: 5}, nil)
	require.NoError(t, q.AddSubscription(ctx, other))

	require.NoError(t, q.RemoveSubscription(ctx, excl))

	require.NoError(t, q.Send(ctx, NewMessage([]byte("after removal"))))

	select {
	case <-other.Deliveries():
	case <-time.After(time.Second):
		t.Fatal("remaining consumer should now receive dispatches")
	}
}

// fakeDeadLetter records every message handed to it, letting tests assert
// on the exhausted-redelivery path without a real Kafka broker.
type fakeDeadLetter struct {
	mu      sync.Mutex
	handled []string
}

func (f *fakeDeadLetter) Handle(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, msg.ID)
	return nil
}

func (f *fakeDeadLetter) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.handled))
	copy(out, f.handled)
	return out
}

// Redelivery count only climbs on RemoveSubscription's redelivery scan
// (spec §4.7 step 6); once it exceeds Config.MaxRedeliveries the message
// goes to the DeadLetterStrategy instead of being re-offered to the
// policy, and the reference is dropped rather than left paged-in.
func TestExhaustedRedeliveryGoesToDeadLetterStrategy(t *testing.T) {
	dl := &fakeDeadLetter{}
	cfg := DefaultConfig()
	cfg.MaxRedeliveries = 1
	q := newTestQueue(t, cfg, WithDeadLetterStrategy(dl))
	ctx := context.Background()

	msg := NewMessage([]byte("poison"))
	require.NoError(t, q.Send(ctx, msg))

	c1 := NewConsumer(ConsumerInfo{ConsumerID: "c1", Prefetch: 5}, nil)
	require.NoError(t, q.AddSubscription(ctx, c1))
	select {
	case <-c1.Deliveries():
	case <-time.After(time.Second):
		t.Fatal("c1 should have received the message")
	}
	// First removal: RedeliveryCount goes 0 -> 1, still <= MaxRedeliveries,
	// so it is re-offered to the remaining consumer.
	c2 := NewConsumer(ConsumerInfo{ConsumerID: "c2", Prefetch: 5}, nil)
	require.NoError(t, q.AddSubscription(ctx, c2))
	require.NoError(t, q.RemoveSubscription(ctx, c1))
	select {
	case <-c2.Deliveries():
	case <-time.After(time.Second):
		t.Fatal("c2 should have received the redelivered message")
	}

	// Second removal: RedeliveryCount goes 1 -> 2, exceeding MaxRedeliveries
	// of 1, so it must go to the dead letter strategy instead of c3.
	c3 := NewConsumer(ConsumerInfo{ConsumerID: "c3", Prefetch: 5}, nil)
	require.NoError(t, q.AddSubscription(ctx, c3))
	require.NoError(t, q.RemoveSubscription(ctx, c2))

	assert.Equal(t, []string{msg.ID}, dl.ids())
	select {
	case <-c3.Deliveries():
		t.Fatal("exhausted-redelivery message must not reach another consumer")
	case <-time.After(100 * time.Millisecond):
	}
}

// Paged-in bound invariant: |PagedIn| never exceeds base + sum(prefetch).
func TestInvariantPagedInNeverExceedsBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BasePagedIn = 20
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	c1 := NewConsumer(ConsumerInfo{ConsumerID: "c1", Prefetch: 5}, nil)
	require.NoError(t, q.AddSubscription(ctx, c1))

	for i := 0; i < 200; i++ {
		require.NoError(t, q.Send(ctx, NewMessage([]byte("m"))))
		assert.LessOrEqual(t, q.paged.len(), int(q.maxPagedIn.Load()))
	}
}

// No-duplicate-paging invariant: every reference appears in the paged-in
// set at most once, and disjoint from what remains in the cursor.
func TestInvariantNoDuplicatePaging(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	ctx := context.Background()

	ids := map[string]bool{}
	for i := 0; i < 50; i++ {
		msg := NewMessage([]byte("m"))
		ids[msg.ID] = true
		require.NoError(t, q.Send(ctx, msg))
	}

	q.pageInMessages(ctx, true)
	seen := map[string]int{}
	for _, ref := range q.paged.snapshot() {
		seen[ref.ID()]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "reference %s appeared in paged-in more than once", id)
	}
	q.cursor.Reset()
	for q.cursor.HasNext() {
		msg := q.cursor.Next()
		if msg == nil {
			break
		}
		assert.Zero(t, seen[msg.ID], "reference %s is both paged in and still in the cursor", msg.ID)
	}
}
