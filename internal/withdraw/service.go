// Package withdraw moves ledger balances out to an agent's wallet. The debit
// and its relay job commit together; the transfer itself happens later.
package withdraw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/events"
	"github.com/clawtask/backend/internal/ledger"
	"github.com/clawtask/backend/internal/models"
	"github.com/clawtask/backend/internal/relay"
	"github.com/clawtask/backend/internal/repository"
)

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidWallet       = errors.New("no valid wallet address: provide one or bind a wallet first")
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
	ErrUnknownToken        = errors.New("no balance held in this token")
	ErrAgentNotFound       = errors.New("agent not found")
)

type AgentLocker interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Agent, error)
}

type BalanceFinder interface {
	GetBySymbolTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, symbol string) (*models.TokenBalance, error)
}

type WithdrawalRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error
}

type Service struct {
	DB                   repository.TxBeginner
	Agents               AgentLocker
	Balances             BalanceFinder
	Withdrawals          WithdrawalRepo
	Ledger               ledger.Service
	Relay                relay.Enqueuer
	Events               events.Publisher
	PlatformTokenAddress string
	Logger               *slog.Logger
}

type Request struct {
	AgentID     uuid.UUID
	TokenSymbol string
	Amount      decimal.Decimal
	// ToAddress defaults to the agent's bound wallet.
	ToAddress string
}

type Result struct {
	Withdrawal  *models.Withdrawal  `json:"withdrawal"`
	Transaction *models.Transaction `json:"transaction"`
}

// Withdraw debits the balance, records the withdrawal and schedules the transfer.
func (s *Service) Withdraw(ctx context.Context, req Request) (*Result, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	symbol := strings.TrimSpace(req.TokenSymbol)
	policy := repository.DefaultRetryPolicy
	policy.Op = "withdraw"
	var res *Result
	err := repository.WithTx(ctx, s.DB, policy, func(tx pgx.Tx) error {
		agent, err := s.Agents.GetByIDForUpdate(ctx, tx, req.AgentID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAgentNotFound
		}
		if err != nil {
			return err
		}
		to := strings.TrimSpace(req.ToAddress)
		if to == "" {
			to = agent.WalletAddress
		}
		if !relay.ValidWallet(to) {
			return ErrInvalidWallet
		}

		entry := ledger.Entry{AgentID: req.AgentID, Amount: req.Amount, Type: models.TxTypeWithdraw}
		if models.IsPlatformToken(symbol) {
			entry.TokenSymbol, entry.TokenAddress = models.PlatformTokenSymbol, s.PlatformTokenAddress
		} else {
			bal, err := s.Balances.GetBySymbolTx(ctx, tx, req.AgentID, symbol)
			if errors.Is(err, repository.ErrNotFound) {
				return ErrUnknownToken
			}
			if err != nil {
				return err
			}
			entry.TokenSymbol, entry.TokenAddress = bal.TokenSymbol, bal.TokenAddress
		}
		entry.Description = fmt.Sprintf("Withdrew %s %s to %s", req.Amount.String(), entry.TokenSymbol, to)

		rec, err := s.Ledger.Debit(ctx, tx, entry)
		if err != nil {
			return err
		}
		w := &models.Withdrawal{
			ID:           uuid.New(),
			AgentID:      req.AgentID,
			TokenSymbol:  entry.TokenSymbol,
			TokenAddress: entry.TokenAddress,
			Amount:       req.Amount,
			ToAddress:    to,
			Status:       models.WithdrawalStatusPending,
		}
		if err := s.Withdrawals.CreateTx(ctx, tx, w); err != nil {
			return fmt.Errorf("record withdrawal: %w", err)
		}
		if s.Relay != nil {
			err := s.Relay.EnqueueTx(ctx, tx, relay.CreditArgs{
				AgentID:       req.AgentID,
				WalletAddress: to,
				TokenSymbol:   entry.TokenSymbol,
				TokenAddress:  entry.TokenAddress,
				Amount:        req.Amount,
				Reason:        models.TxTypeWithdraw,
				IntentKey:     relay.WithdrawIntent(w.ID),
			})
			if err != nil {
				return fmt.Errorf("enqueue relay: %w", err)
			}
		}
		res = &Result{Withdrawal: w, Transaction: rec}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.Events != nil {
		amount := req.Amount
		s.Events.Publish(ctx, events.Event{
			Type:        events.TypeWithdrawalRequested,
			AgentID:     req.AgentID,
			Amount:      &amount,
			TokenSymbol: res.Withdrawal.TokenSymbol,
			At:          res.Withdrawal.CreatedAt,
		})
	}
	s.logger().Info("withdrawal requested", "withdrawal_id", res.Withdrawal.ID, "agent_id", req.AgentID,
		"token", res.Withdrawal.TokenSymbol, "amount", req.Amount.String(), "to", res.Withdrawal.ToAddress)
	return res, nil
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
