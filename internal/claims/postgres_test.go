package claims

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/ledger"
	"github.com/clawtask/backend/internal/mining"
	"github.com/clawtask/backend/internal/models"
	"github.com/clawtask/backend/internal/repository"
	"github.com/clawtask/backend/internal/settlement"
	"github.com/clawtask/backend/internal/verifier"
)

// These tests run the claim and settlement paths against a real Postgres so
// the conditional UPDATEs and the partial unique index do the arbitration.
// Set CLAWTASK_TEST_DATABASE_URL to a disposable database to run them.

const testDatabaseEnv = "CLAWTASK_TEST_DATABASE_URL"

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type pgFixture struct {
	pool     *pgxpool.Pool
	mgr      *Manager
	tasks    *repository.TaskRepo
	claims   *repository.ClaimRepo
	campaign uuid.UUID
}

func newPGFixture(t *testing.T, budget string) *pgFixture {
	t.Helper()
	url := os.Getenv(testDatabaseEnv)
	if url == "" {
		t.Skipf("%s not set", testDatabaseEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := repository.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	agentRepo := repository.NewAgentRepo(pool)
	taskRepo := repository.NewTaskRepo(pool)
	claimRepo := repository.NewClaimRepo(pool)
	campaignRepo := repository.NewCampaignRepo(pool)
	ledgerSvc := ledger.NewService(agentRepo, repository.NewBalanceRepo(pool), repository.NewTransactionRepo(pool))
	engine := &settlement.Engine{
		DB:        pool,
		Agents:    agentRepo,
		Claims:    claimRepo,
		Campaigns: campaignRepo,
		Ledger:    ledgerSvc,
		Mining:    &mining.Service{DB: pool, Agents: agentRepo, Stats: repository.NewMiningRepo(pool), Ledger: ledgerSvc},
	}

	f := &pgFixture{
		pool: pool,
		mgr: &Manager{
			DB:         pool,
			Agents:     agentRepo,
			Tasks:      taskRepo,
			Claims:     claimRepo,
			Campaigns:  campaignRepo,
			Verifier:   verifier.Heuristic{},
			Settlement: engine,
		},
		tasks:    taskRepo,
		claims:   claimRepo,
		campaign: uuid.New(),
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO campaigns (id, name, token_name, token_symbol, token_address, total_amount, remaining_amount)
		VALUES ($1, 'Nebula', 'Nebula Token', 'NEB', $2, $3, $3)
	`, f.campaign, "0x"+uuid.NewString()[:8], decimal.RequireFromString(budget))
	if err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	return f
}

func (f *pgFixture) task(t *testing.T, reward string, maxClaims int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := f.pool.Exec(context.Background(), `
		INSERT INTO tasks (id, campaign_id, title, task_type, reward, max_claims)
		VALUES ($1, $2, 'Thread about Nebula', 'social', $3, $4)
	`, id, f.campaign, decimal.RequireFromString(reward), maxClaims)
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return id
}

func (f *pgFixture) agent(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := f.pool.Exec(context.Background(), `
		INSERT INTO agents (id, name, api_key_hash, api_key_prefix) VALUES ($1, $2, $3, 'claw_')
	`, id, "agent-"+id.String(), "hash-"+id.String())
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return id
}

func (f *pgFixture) remaining(t *testing.T) decimal.Decimal {
	t.Helper()
	var remaining decimal.Decimal
	err := f.pool.QueryRow(context.Background(),
		`SELECT remaining_amount FROM campaigns WHERE id = $1`, f.campaign).Scan(&remaining)
	if err != nil {
		t.Fatalf("read campaign: %v", err)
	}
	return remaining
}

func (f *pgFixture) rewardRows(t *testing.T, claimID uuid.UUID) int {
	t.Helper()
	var n int
	err := f.pool.QueryRow(context.Background(),
		`SELECT count(*) FROM transactions WHERE claim_id = $1 AND type = $2`,
		claimID, models.TxTypeCampaignReward).Scan(&n)
	if err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	return n
}

// ---------------------------------------------------------------------------
// 1. Claim slots.
// ---------------------------------------------------------------------------

func TestPostgres_ConcurrentClaimsFillExactlyMaxClaims(t *testing.T) {
	f := newPGFixture(t, "1000")
	const capacity, contenders = 3, 16
	taskID := f.task(t, "1", capacity)
	ctx := context.Background()

	agents := make([]uuid.UUID, contenders)
	for i := range agents {
		agents[i] = f.agent(t)
	}
	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := range agents {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.mgr.Claim(ctx, agents[i], taskID)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrTaskFull):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != capacity {
		t.Errorf("successful claims = %d, want %d", ok, capacity)
	}
	task, err := f.tasks.GetByID(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ClaimCount != capacity || task.Status != models.TaskStatusFull {
		t.Errorf("task = count %d status %q, want %d full", task.ClaimCount, task.Status, capacity)
	}
	var rows int
	if err := f.pool.QueryRow(ctx, `SELECT count(*) FROM task_claims WHERE task_id = $1`, taskID).Scan(&rows); err != nil {
		t.Fatalf("count claims: %v", err)
	}
	if rows != capacity {
		t.Errorf("claim rows = %d, want %d", rows, capacity)
	}
}

func TestPostgres_ActiveClaimIndexRejectsSecondRow(t *testing.T) {
	f := newPGFixture(t, "100")
	taskID := f.task(t, "30", 5)
	agentID := f.agent(t)
	ctx := context.Background()

	insert := func() error {
		return repository.WithTx(ctx, f.pool, repository.RetryPolicy{Op: "test"}, func(tx pgx.Tx) error {
			return f.claims.CreateTx(ctx, tx, &models.TaskClaim{
				ID: uuid.New(), TaskID: taskID, AgentID: agentID, Status: models.ClaimStatusClaimed,
			})
		})
	}
	if err := insert(); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert(); !errors.Is(err, repository.ErrDuplicate) {
		t.Errorf("second insert err = %v, want ErrDuplicate", err)
	}
}

// ---------------------------------------------------------------------------
// 2. Settlement.
// ---------------------------------------------------------------------------

func TestPostgres_DuplicateSubmitsPayOnce(t *testing.T) {
	f := newPGFixture(t, "1000")
	taskID := f.task(t, "30", 5)
	agentID := f.agent(t)
	ctx := context.Background()

	claim, err := f.mgr.Claim(ctx, agentID, taskID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.mgr.Submit(ctx, agentID, claim.ID, goodSubmission())
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrClaimNotFound):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("approved submits = %d, want 1", ok)
	}
	if got := f.rewardRows(t, claim.ID); got != 1 {
		t.Errorf("reward transactions = %d, want 1", got)
	}
	if got := f.remaining(t); !got.Equal(decimal.NewFromInt(970)) {
		t.Errorf("remaining = %s, want 970", got)
	}
}

func TestPostgres_BudgetNeverGoesNegative(t *testing.T) {
	f := newPGFixture(t, "50")
	ctx := context.Background()

	// Two claims of 30 against a budget of 50: only one can be paid.
	type pending struct{ agent, claim uuid.UUID }
	var work []pending
	for i := 0; i < 2; i++ {
		taskID, agentID := f.task(t, "30", 1), f.agent(t)
		claim, err := f.mgr.Claim(ctx, agentID, taskID)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		work = append(work, pending{agent: agentID, claim: claim.ID})
	}

	var wg sync.WaitGroup
	errs := make([]error, len(work))
	for i, w := range work {
		wg.Add(1)
		go func(i int, w pending) {
			defer wg.Done()
			_, errs[i] = f.mgr.Submit(ctx, w.agent, w.claim, goodSubmission())
		}(i, w)
	}
	wg.Wait()

	ok, short := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, settlement.ErrInsufficientCampaignBudget):
			short++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || short != 1 {
		t.Fatalf("approved = %d, short = %d, want 1 and 1", ok, short)
	}
	if got := f.remaining(t); !got.Equal(decimal.NewFromInt(20)) {
		t.Errorf("remaining = %s, want 20", got)
	}
	for i, w := range work {
		want := 1
		if errs[i] != nil {
			want = 0
		}
		if got := f.rewardRows(t, w.claim); got != want {
			t.Errorf("claim %d reward transactions = %d, want %d", i, got, want)
		}
	}
}
