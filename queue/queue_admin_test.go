package queue

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrowseReturnsPendingAndPagedInUntilAcked(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	ctx := context.Background()

	m1 := NewMessage([]byte("one"))
	m2 := NewMessage([]byte("two"))
	require.NoError(t, q.Send(ctx, m1))
	require.NoError(t, q.Send(ctx, m2))

	results := q.Browse(ctx)
	require.Len(t, results, 2)

	found, err := q.GetMessage(ctx, m1.ID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(found.Payload, m1.Payload))

	q.pageInMessages(ctx, true)
	var ref *MessageReference
	for _, r := range q.paged.snapshot() {
		if r.ID() == m1.ID {
			ref = r
		}
	}
	require.NotNil(t, ref)
	require.NoError(t, q.Acknowledge(ctx, nil, SingleAck(m1.ID)))

	_, err = q.GetMessage(ctx, m1.ID)
	assert.Error(t, err, "acknowledged message must not be found by getMessage")

	after := q.Browse(ctx)
	for _, msg := range after {
		assert.NotEqual(t, m1.ID, msg.ID, "acknowledged message must not be browsable")
	}
}

func TestAcknowledgeNonExistentIDIsNoOp(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	err := q.Acknowledge(context.Background(), nil, SingleAck("does-not-exist"))
	assert.NoError(t, err)
}

func TestPurgeDropsEveryPagedInReference(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Send(ctx, NewMessage([]byte("x"))))
	}

	count, err := q.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, count)
	assert.Equal(t, int64(10), q.Stats().Dequeues)

	results := q.Browse(ctx)
	assert.Empty(t, results)
}

func TestRemoveMatchingHonorsFilterAndMax(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		msg := NewMessage([]byte("x"))
		msg.Headers = map[string]string{"match": "yes"}
		if i%2 == 0 {
			msg.Headers["match"] = "no"
		}
		require.NoError(t, q.Send(ctx, msg))
	}

	filter := func(msg *Message) bool { return msg.Headers["match"] == "yes" }
	count, err := q.RemoveMatching(ctx, filter, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	remaining := q.Browse(ctx)
	matchingLeft := 0
	for _, msg := range remaining {
		if msg.Headers["match"] == "yes" {
			matchingLeft++
		}
	}
	assert.Equal(t, 2, matchingLeft, "5 matched total, 3 removed, 2 should remain")
}

func TestRemoveMatchingRejectsNilFilter(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	_, err := q.RemoveMatching(context.Background(), nil, 0)
	assert.ErrorIs(t, err, ErrInvalidSelector)
}

func TestCopyMatchingResendsWithoutRemoving(t *testing.T) {
	src := newTestQueue(t, DefaultConfig())
	dst := newTestQueue(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, src.Send(ctx, NewMessage([]byte("payload"))))
	}

	filter := func(*Message) bool { return true }
	count, err := src.CopyMatching(ctx, filter, 2, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.Len(t, src.Browse(ctx), 4, "copy must not remove source messages")
	assert.Len(t, dst.Browse(ctx), 2)
}

func TestMoveMatchingRemovesFromSourceAndAppearsAtDestinationExactlyOnce(t *testing.T) {
	src := newTestQueue(t, DefaultConfig())
	dst := newTestQueue(t, DefaultConfig())
	ctx := context.Background()

	const backlog = 10
	for i := 0; i < backlog; i++ {
		require.NoError(t, src.Send(ctx, NewMessage([]byte("payload"))))
	}

	filter := func(*Message) bool { return true }
	count, err := src.MoveMatching(ctx, filter, 3, dst)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	assert.Len(t, src.Browse(ctx), backlog-3)
	assert.Len(t, dst.Browse(ctx), 3)
}
