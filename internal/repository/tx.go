package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clawtask/backend/internal/metrics"
)

// TxBeginner is implemented by *pgxpool.Pool and by the in-memory store.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RetryPolicy bounds how often a transaction is rerun after a serialization
// failure or deadlock. Delay doubles after every attempt.
type RetryPolicy struct {
	Op          string
	MaxAttempts int
	BaseDelay   time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Op: "tx", MaxAttempts: 4, BaseDelay: 25 * time.Millisecond}

// WithTx runs fn inside a transaction, committing when fn returns nil. The
// whole transaction is rerun while the error is retryable and attempts remain.
func WithTx(ctx context.Context, db TxBeginner, policy RetryPolicy, fn func(tx pgx.Tx) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.BaseDelay
	for attempt := 1; ; attempt++ {
		err := runTx(ctx, db, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt >= attempts {
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		metrics.StorageRetriesTotal.WithLabelValues(policy.Op).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func runTx(ctx context.Context, db TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
