package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/models"
	"github.com/clawtask/backend/internal/repository"
)

func seedTask(s *Store, maxClaims int) *models.Task {
	task := &models.Task{ID: uuid.New(), CampaignID: uuid.New(), Title: "t", Reward: decimal.NewFromInt(1),
		MaxClaims: maxClaims, Status: models.TaskStatusOpen}
	s.PutTask(task)
	return task
}

func TestRollbackUndoesEveryWrite(t *testing.T) {
	s := New()
	agentID := uuid.New()
	s.PutAgent(&models.Agent{ID: agentID, Name: "alpha", MiningBalance: decimal.NewFromInt(5)})
	task := seedTask(s, 1)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := s.Agents().AddMiningBalanceTx(ctx, tx, agentID, decimal.NewFromInt(3)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.Tasks().IncrementClaimCountTx(ctx, tx, task.ID); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if _, err := s.Balances().CreditTx(ctx, tx, agentID, "NEB", "0xc1", decimal.NewFromInt(9)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := s.TransactionLog().CreateTx(ctx, tx, &models.Transaction{ID: uuid.New(), AgentID: agentID, Amount: decimal.NewFromInt(9)}); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	a, _ := s.Agents().GetByID(ctx, agentID)
	if !a.MiningBalance.Equal(decimal.NewFromInt(5)) {
		t.Errorf("mining balance = %s, want 5", a.MiningBalance)
	}
	got, _ := s.Tasks().GetByID(ctx, task.ID)
	if got.ClaimCount != 0 || got.Status != models.TaskStatusOpen {
		t.Errorf("task = %d %s, want 0 open", got.ClaimCount, got.Status)
	}
	if list, _ := s.Balances().ListByAgent(ctx, agentID); len(list) != 0 {
		t.Errorf("balances = %+v, want none", list)
	}
	if txs := s.Transactions(agentID); len(txs) != 0 {
		t.Errorf("transactions = %d, want 0", len(txs))
	}
	if err := tx.Commit(ctx); !errors.Is(err, pgx.ErrTxClosed) {
		t.Errorf("commit after rollback = %v, want ErrTxClosed", err)
	}
}

func TestOnCommitRunsOnlyAfterCommit(t *testing.T) {
	s := New()
	ctx := context.Background()
	var ran []string

	tx, _ := s.Begin(ctx)
	tx.(*memTx).OnCommit(func() { ran = append(ran, "rolled back") })
	_ = tx.Rollback(ctx)

	tx, _ = s.Begin(ctx)
	tx.(*memTx).OnCommit(func() { ran = append(ran, "committed") })
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(ran) != 1 || ran[0] != "committed" {
		t.Errorf("hooks ran = %v", ran)
	}
}

func TestBeginWaitsForOpenTransaction(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, _ := s.Begin(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := s.Begin(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Begin = %v, want deadline exceeded", err)
	}
	_ = tx.Commit(ctx)
	if tx2, err := s.Begin(ctx); err != nil {
		t.Fatalf("Begin after commit: %v", err)
	} else {
		_ = tx2.Rollback(ctx)
	}
}

func TestForeignTxRejected(t *testing.T) {
	a, b := New(), New()
	ctx := context.Background()
	task := seedTask(a, 1)
	tx, _ := b.Begin(ctx)
	defer tx.Rollback(ctx)
	if _, err := a.Tasks().IncrementClaimCountTx(ctx, tx, task.ID); !errors.Is(err, errForeignTx) {
		t.Errorf("err = %v, want errForeignTx", err)
	}
}

func TestConditionalUpdates(t *testing.T) {
	s := New()
	ctx := context.Background()
	agentID := uuid.New()
	s.PutAgent(&models.Agent{ID: agentID, Name: "alpha", MiningBalance: decimal.NewFromInt(2)})
	campaignID := uuid.New()
	s.PutCampaign(&models.Campaign{ID: campaignID, TotalAmount: decimal.NewFromInt(10), RemainingAmount: decimal.NewFromInt(10)})
	task := seedTask(s, 1)

	err := repository.WithTx(ctx, s, repository.RetryPolicy{MaxAttempts: 1}, func(tx pgx.Tx) error {
		if _, err := s.Agents().DeductMiningBalanceTx(ctx, tx, agentID, decimal.NewFromInt(3)); !errors.Is(err, repository.ErrInsufficientFunds) {
			t.Errorf("overdraw mining = %v", err)
		}
		if _, err := s.Campaigns().DebitRemainingTx(ctx, tx, campaignID, decimal.NewFromInt(11)); !errors.Is(err, repository.ErrInsufficientFunds) {
			t.Errorf("overdraw budget = %v", err)
		}
		if _, err := s.Balances().DebitTx(ctx, tx, agentID, "0xc1", decimal.NewFromInt(1)); !errors.Is(err, repository.ErrInsufficientFunds) {
			t.Errorf("debit missing balance = %v", err)
		}
		got, err := s.Tasks().IncrementClaimCountTx(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		if got.Status != models.TaskStatusFull {
			t.Errorf("status after last slot = %s, want full", got.Status)
		}
		if _, err := s.Tasks().IncrementClaimCountTx(ctx, tx, task.ID); !errors.Is(err, repository.ErrConditionFailed) {
			t.Errorf("increment past capacity = %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestConcurrentIncrementsNeverOverfill(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := seedTask(s, 3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repository.WithTx(ctx, s, repository.RetryPolicy{MaxAttempts: 1}, func(tx pgx.Tx) error {
				_, err := s.Tasks().IncrementClaimCountTx(ctx, tx, task.ID)
				return err
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, _ := s.Tasks().GetByID(ctx, task.ID)
	if wins != 3 || got.ClaimCount != 3 || got.Status != models.TaskStatusFull {
		t.Errorf("wins = %d, task = %d %s", wins, got.ClaimCount, got.Status)
	}
}
