package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCursorAddLastPreservesOrder(t *testing.T) {
	c := NewMemoryCursor()
	ctx := context.Background()
	m1, m2, m3 := &Message{ID: "1"}, &Message{ID: "2"}, &Message{ID: "3"}
	require.NoError(t, c.AddMessageLast(ctx, m1))
	require.NoError(t, c.AddMessageLast(ctx, m2))
	require.NoError(t, c.AddMessageLast(ctx, m3))

	assert.Equal(t, 3, c.Size())

	c.Reset()
	var seen []string
	for c.HasNext() {
		seen = append(seen, c.Next().ID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, seen)
}

func TestMemoryCursorRemoveDeletesLastYielded(t *testing.T) {
	c := NewMemoryCursor()
	ctx := context.Background()
	require.NoError(t, c.AddMessageLast(ctx, &Message{ID: "1"}))
	require.NoError(t, c.AddMessageLast(ctx, &Message{ID: "2"}))
	require.NoError(t, c.AddMessageLast(ctx, &Message{ID: "3"}))

	c.Reset()
	got := c.Next()
	require.Equal(t, "1", got.ID)
	c.Remove()

	assert.Equal(t, 2, c.Size())

	c.Reset()
	var seen []string
	for c.HasNext() {
		seen = append(seen, c.Next().ID)
	}
	assert.Equal(t, []string{"2", "3"}, seen)
}

func TestMemoryCursorStartIdempotent(t *testing.T) {
	c := NewMemoryCursor()
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))
	assert.False(t, c.IsRecoveryRequired())
}

// replayingStore is a minimal MessageStore whose Recover actually replays
// what was added, standing in for a durable backend: memoryStore's own
// Recover is an intentional no-op (nothing in it survives a restart), so
// exercising the replay path needs a store that keeps that promise.
type replayingStore struct {
	MessageStore
	recorded []*Message
}

func (s *replayingStore) AddMessage(ctx context.Context, msg *Message) error {
	s.recorded = append(s.recorded, msg)
	return s.MessageStore.AddMessage(ctx, msg)
}

func (s *replayingStore) Recover(ctx context.Context, listener RecoverListener) error {
	for _, msg := range s.recorded {
		if err := listener(msg); err != nil {
			return err
		}
	}
	return nil
}

func TestStoreRecoveryCursorReplaysStoreOnStart(t *testing.T) {
	store := &replayingStore{MessageStore: NewMemoryStore()}
	ctx := context.Background()
	require.NoError(t, store.AddMessage(ctx, &Message{ID: "r1"}))
	require.NoError(t, store.AddMessage(ctx, &Message{ID: "r2"}))

	c := NewStoreRecoveryCursor(store)
	assert.True(t, c.IsRecoveryRequired())

	require.NoError(t, c.Start(ctx))
	assert.False(t, c.IsRecoveryRequired())
	assert.Equal(t, 2, c.Size())
}
