package storage

import (
	"context"
	"errors"
	"fmt"
)

// DefaultAtomicAttempts bounds optimistic retries per logical operation.
const DefaultAtomicAttempts = 5

// RunAtomic executes fn as an optimistic atomic unit: fn reads current
// record versions, computes its mutation, and commits through
// CommitUnit. When the commit reports ErrVersionConflict the whole fn
// re-runs against fresh reads. Any other outcome, success or failure,
// is final. After attempts conflicts the operation surfaces
// ErrConflictRetryExhausted.
func RunAtomic(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultAtomicAttempts
	}
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil || !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, ErrConflictRetryExhausted)
}
