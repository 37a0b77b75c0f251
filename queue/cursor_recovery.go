package queue

import (
	"context"
	"fmt"
	"sync/atomic"
)

// storeRecoveryCursor wraps a memoryCursor whose initial contents are
// populated by replaying MessageStore.Recover on Start, realizing the
// "store-recovery cursor" variant spec §4.2 and §3 call for. Once primed,
// it behaves exactly like memoryCursor for the rest of its life.
type storeRecoveryCursor struct {
	PendingCursor
	store      MessageStore
	recovering atomic.Bool
	recovered  atomic.Bool
}

// NewStoreRecoveryCursor builds a PendingCursor that replays store on Start.
func NewStoreRecoveryCursor(store MessageStore) PendingCursor {
	return &storeRecoveryCursor{PendingCursor: NewMemoryCursor(), store: store}
}

func (c *storeRecoveryCursor) Start(ctx context.Context) error {
	if c.store == nil {
		c.recovered.Store(true)
		return nil
	}
	c.recovering.Store(true)
	defer c.recovering.Store(false)
	err := c.store.Recover(ctx, func(msg *Message) error {
		return c.PendingCursor.AddMessageLast(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("%w: recover: %v", ErrFatalCursorAdd, err)
	}
	c.recovered.Store(true)
	return nil
}

// IsRecoveryRequired is true until Start has completed a full replay.
func (c *storeRecoveryCursor) IsRecoveryRequired() bool {
	return !c.recovered.Load()
}
