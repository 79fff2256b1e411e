// Package memstore is an in-process implementation of the ledger store. It
// mirrors the repository package method for method and runs one transaction
// at a time, which gives serializable isolation. Used by tests and by the
// memory storage driver for local runs.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/models"
)

var errSQLUnsupported = errors.New("memstore: raw SQL is not supported")
var errForeignTx = errors.New("memstore: transaction does not belong to this store or is closed")

type balanceKey struct {
	agentID uuid.UUID
	address string
}

type checkinKey struct {
	agentID uuid.UUID
	day     string
}

type Store struct {
	// sem is held by the open transaction.
	sem chan struct{}

	mu           sync.Mutex
	agents       map[uuid.UUID]*models.Agent
	campaigns    map[uuid.UUID]*models.Campaign
	tasks        map[uuid.UUID]*models.Task
	claims       map[uuid.UUID]*models.TaskClaim
	claimOrder   []uuid.UUID
	balances     map[balanceKey]*models.TokenBalance
	transactions []*models.Transaction
	checkins     map[checkinKey]struct{}
	withdrawals  map[uuid.UUID]*models.Withdrawal
	stats        models.MiningStats
}

func New() *Store {
	return &Store{
		sem:         make(chan struct{}, 1),
		agents:      make(map[uuid.UUID]*models.Agent),
		campaigns:   make(map[uuid.UUID]*models.Campaign),
		tasks:       make(map[uuid.UUID]*models.Task),
		claims:      make(map[uuid.UUID]*models.TaskClaim),
		balances:    make(map[balanceKey]*models.TokenBalance),
		checkins:    make(map[checkinKey]struct{}),
		withdrawals: make(map[uuid.UUID]*models.Withdrawal),
		stats:       models.MiningStats{TotalReleased: decimal.Zero, TotalBurned: decimal.Zero},
	}
}

// Begin waits until no other transaction is open.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	select {
	case s.sem <- struct{}{}:
		return &memTx{store: s}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tx returns the open transaction behind tx or errForeignTx.
func (s *Store) tx(tx pgx.Tx) (*memTx, error) {
	mt, ok := tx.(*memTx)
	if !ok || mt.store != s || mt.done {
		return nil, errForeignTx
	}
	return mt, nil
}

// ---------------------------------------------------------------------------
// Seeding. Campaigns and tasks are created by other services in production.
// ---------------------------------------------------------------------------

func (s *Store) PutAgent(a *models.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.agents[a.ID] = &cp
}

func (s *Store) PutCampaign(c *models.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.campaigns[c.ID] = &cp
}

func (s *Store) PutTask(t *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
}

// Transactions returns a copy of every ledger entry of the agent in insertion order.
func (s *Store) Transactions(agentID uuid.UUID) []models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, t := range s.transactions {
		if t.AgentID == agentID {
			out = append(out, *t)
		}
	}
	return out
}

// Claim returns a copy of the claim with the given id.
func (s *Store) Claim(id uuid.UUID) (models.TaskClaim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[id]
	if !ok {
		return models.TaskClaim{}, false
	}
	return *c, true
}

func (s *Store) Withdrawals(agentID uuid.UUID) []models.Withdrawal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Withdrawal
	for _, w := range s.withdrawals {
		if w.AgentID == agentID {
			out = append(out, *w)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// memTx
// ---------------------------------------------------------------------------

// memTx records an undo entry for every mutation and replays them in reverse on rollback.
type memTx struct {
	store    *Store
	undo     []func()
	onCommit []func()
	done     bool
}

// OnCommit registers fn to run after a successful commit.
func (t *memTx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.undo = nil
	<-t.store.sem
	for _, fn := range t.onCommit {
		fn()
	}
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.store.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.store.mu.Unlock()
	t.undo = nil
	<-t.store.sem
	return nil
}

func (t *memTx) Begin(context.Context) (pgx.Tx, error) { return nil, errSQLUnsupported }
func (t *memTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errSQLUnsupported
}
func (t *memTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errSQLUnsupported
}
func (t *memTx) QueryRow(context.Context, string, ...any) pgx.Row { return errRow{} }
func (t *memTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errSQLUnsupported
}
func (t *memTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *memTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *memTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errSQLUnsupported
}
func (t *memTx) Conn() *pgx.Conn { return nil }

type errRow struct{}

func (errRow) Scan(...any) error { return errSQLUnsupported }

func now() time.Time { return time.Now().UTC() }
