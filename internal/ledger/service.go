// Package ledger applies balance changes. Every change is written together with
// its Transaction row in the caller's database transaction, so the sum of an
// agent's transactions for a token always equals the stored balance.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/models"
	"github.com/clawtask/backend/internal/repository"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the agent's balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// AgentBalanceRepo holds the platform token balance on the agent row.
type AgentBalanceRepo interface {
	AddMiningBalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
	DeductMiningBalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
}

// TokenBalanceRepo holds project token balances keyed by token address.
type TokenBalanceRepo interface {
	CreditTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, symbol, address string, amount decimal.Decimal) (decimal.Decimal, error)
	DebitTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, address string, amount decimal.Decimal) (decimal.Decimal, error)
}

type TransactionRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
}

// Entry describes one balance change. Amount is always positive; Debit records it negated.
type Entry struct {
	AgentID      uuid.UUID
	TokenSymbol  string
	TokenAddress string
	Amount       decimal.Decimal
	Type         string
	Description  string
	ClaimID      *uuid.UUID
}

type Service interface {
	Credit(ctx context.Context, tx pgx.Tx, e Entry) (*models.Transaction, error)
	Debit(ctx context.Context, tx pgx.Tx, e Entry) (*models.Transaction, error)
}

type service struct {
	agents       AgentBalanceRepo
	balances     TokenBalanceRepo
	transactions TransactionRepo
}

func NewService(agents AgentBalanceRepo, balances TokenBalanceRepo, transactions TransactionRepo) Service {
	return &service{agents: agents, balances: balances, transactions: transactions}
}

var _ Service = (*service)(nil)

func (s *service) Credit(ctx context.Context, tx pgx.Tx, e Entry) (*models.Transaction, error) {
	if !e.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	var (
		balance decimal.Decimal
		err     error
	)
	if models.IsPlatformToken(e.TokenSymbol) {
		balance, err = s.agents.AddMiningBalanceTx(ctx, tx, e.AgentID, e.Amount)
	} else {
		balance, err = s.balances.CreditTx(ctx, tx, e.AgentID, e.TokenSymbol, e.TokenAddress, e.Amount)
	}
	if err != nil {
		return nil, fmt.Errorf("credit %s: %w", e.TokenSymbol, err)
	}
	return s.record(ctx, tx, e, e.Amount, balance)
}

func (s *service) Debit(ctx context.Context, tx pgx.Tx, e Entry) (*models.Transaction, error) {
	if !e.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	var (
		balance decimal.Decimal
		err     error
	)
	if models.IsPlatformToken(e.TokenSymbol) {
		balance, err = s.agents.DeductMiningBalanceTx(ctx, tx, e.AgentID, e.Amount)
	} else {
		balance, err = s.balances.DebitTx(ctx, tx, e.AgentID, e.TokenAddress, e.Amount)
	}
	if errors.Is(err, repository.ErrInsufficientFunds) {
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, fmt.Errorf("debit %s: %w", e.TokenSymbol, err)
	}
	return s.record(ctx, tx, e, e.Amount.Neg(), balance)
}

func (s *service) record(ctx context.Context, tx pgx.Tx, e Entry, signed, balance decimal.Decimal) (*models.Transaction, error) {
	t := &models.Transaction{
		ID:           uuid.New(),
		AgentID:      e.AgentID,
		TokenSymbol:  e.TokenSymbol,
		TokenAddress: e.TokenAddress,
		Amount:       signed,
		BalanceAfter: &balance,
		Type:         e.Type,
		Description:  e.Description,
		ClaimID:      e.ClaimID,
	}
	if err := s.transactions.CreateTx(ctx, tx, t); err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}
	return t, nil
}
