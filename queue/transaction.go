package queue

import (
	"context"
	"sync"
)

type txContextKey struct{}

// Transaction collects post-commit synchronizations registered by Send
// calls whose ctx carries it (see WithTransaction), per spec §4.7 step 5:
// each registered function re-checks expiration and appends to the
// cursor at commit time; rollback runs nothing (the store entry, if any,
// is rolled back by the transaction manager that owns this Transaction).
type Transaction struct {
	mu    sync.Mutex
	syncs []func(ctx context.Context) error
}

// NewTransaction builds an empty Transaction to attach to a context via
// WithTransaction.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// WithTransaction attaches tx to ctx so Send registers a post-commit sync
// instead of appending to the cursor immediately.
func WithTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func transactionFromContext(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*Transaction)
	return tx, ok
}

func (t *Transaction) registerPostCommit(f func(ctx context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncs = append(t.syncs, f)
}

// Commit runs every registered synchronization in registration order,
// stopping at the first error.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	syncs := make([]func(ctx context.Context) error, len(t.syncs))
	copy(syncs, t.syncs)
	t.mu.Unlock()

	for _, f := range syncs {
		if err := f(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Rollback does nothing: the store entry, if one was written, is rolled
// back by whatever transaction manager owns this Transaction, not by the
// queue.
func (t *Transaction) Rollback() {}
