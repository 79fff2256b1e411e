package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// countingTx satisfies pgx.Tx; only Commit/Rollback are called.
type countingTx struct {
	pool *countingPool
}

func (t countingTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t countingTx) Commit(context.Context) error {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	t.pool.commits++
	return nil
}
func (t countingTx) Rollback(context.Context) error {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	t.pool.rollbacks++
	return nil
}
func (countingTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (countingTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (countingTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (countingTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (countingTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (countingTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (countingTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (countingTx) Conn() *pgx.Conn { return nil }

type countingPool struct {
	mu        sync.Mutex
	begins    int
	commits   int
	rollbacks int
}

func (p *countingPool) Begin(context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begins++
	return countingTx{pool: p}, nil
}

var fastPolicy = RetryPolicy{Op: "test", MaxAttempts: 4, BaseDelay: time.Millisecond}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// 1. A serialization failure reruns the whole transaction until it succeeds.
func TestWithTx_RetriesSerializationFailure(t *testing.T) {
	pool := &countingPool{}
	calls := 0
	err := WithTx(context.Background(), pool, fastPolicy, func(pgx.Tx) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if calls != 3 || pool.begins != 3 {
		t.Errorf("calls=%d begins=%d, want 3/3", calls, pool.begins)
	}
	if pool.commits != 1 {
		t.Errorf("commits = %d, want 1", pool.commits)
	}
}

// 2. Attempts are bounded; the last error stays inspectable.
func TestWithTx_GivesUpAfterMaxAttempts(t *testing.T) {
	pool := &countingPool{}
	calls := 0
	err := WithTx(context.Background(), pool, fastPolicy, func(pgx.Tx) error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("wrapped error should still report the deadlock")
	}
	if calls != fastPolicy.MaxAttempts {
		t.Errorf("calls = %d, want %d", calls, fastPolicy.MaxAttempts)
	}
	if pool.commits != 0 {
		t.Errorf("commits = %d, want 0", pool.commits)
	}
}

// 3. Domain errors are returned immediately without a retry.
func TestWithTx_DoesNotRetryDomainErrors(t *testing.T) {
	pool := &countingPool{}
	calls := 0
	err := WithTx(context.Background(), pool, fastPolicy, func(pgx.Tx) error {
		calls++
		return ErrInsufficientFunds
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// 4. A cancelled context stops the backoff loop.
func TestWithTx_StopsOnCancelledContext(t *testing.T) {
	pool := &countingPool{}
	ctx, cancel := context.WithCancel(context.Background())
	err := WithTx(ctx, pool, RetryPolicy{MaxAttempts: 10, BaseDelay: time.Hour}, func(pgx.Tx) error {
		cancel()
		return &pgconn.PgError{Code: "40001"}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Error("23505 should be a unique violation")
	}
	if IsUniqueViolation(errors.New("boom")) {
		t.Error("plain error is not a unique violation")
	}
	if IsRetryable(&pgconn.PgError{Code: "23505"}) {
		t.Error("unique violation is not retryable")
	}
	if notFound(pgx.ErrNoRows) != ErrNotFound {
		t.Error("pgx.ErrNoRows should map to ErrNotFound")
	}
}
