// Package settlement pays approved claims. The claim transition, the budget
// decrement, both ledger credits and the relay jobs commit together or not
// at all.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/events"
	"github.com/clawtask/backend/internal/ledger"
	"github.com/clawtask/backend/internal/metrics"
	"github.com/clawtask/backend/internal/mining"
	"github.com/clawtask/backend/internal/models"
	"github.com/clawtask/backend/internal/relay"
	"github.com/clawtask/backend/internal/repository"
)

var (
	ErrClaimNotFound              = errors.New("claim not found or already settled")
	ErrInsufficientCampaignBudget = errors.New("campaign budget is insufficient for this reward")
	ErrCampaignNotFound           = errors.New("campaign not found")
	ErrAgentNotFound              = errors.New("agent not found")
	ErrInvalidAmount              = errors.New("reward must be positive")
)

type AgentLocker interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Agent, error)
}

type ClaimApprover interface {
	ApproveTx(ctx context.Context, tx pgx.Tx, p repository.ApproveParams) error
}

type BudgetRepo interface {
	DebitRemainingTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
}

// Engine settles approved claims. Relay and Events are optional.
type Engine struct {
	DB        repository.TxBeginner
	Agents    AgentLocker
	Claims    ClaimApprover
	Campaigns BudgetRepo
	Ledger    ledger.Service
	Mining    *mining.Service
	Relay     relay.Enqueuer
	Events    events.Publisher
	Retry     repository.RetryPolicy
	Logger    *slog.Logger
}

// Request is an approved submission ready for payout.
type Request struct {
	AgentID      uuid.UUID
	CampaignID   uuid.UUID
	CampaignName string
	TaskID       uuid.UUID
	ClaimID      uuid.UUID
	Amount       decimal.Decimal
	TokenSymbol  string
	TokenAddress string
	Submission   string
	Score        int
}

type Receipt struct {
	TxID            uuid.UUID       `json:"tx_id"`
	BonusTxID       uuid.UUID       `json:"bonus_tx_id"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	Relayed         bool            `json:"relayed"`
}

// Settle runs the payout as one transaction. Serialization failures and
// deadlocks rerun the whole transaction up to the retry policy's limit.
func (e *Engine) Settle(ctx context.Context, req Request) (*Receipt, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	start := time.Now()
	var receipt *Receipt
	err := repository.WithTx(ctx, e.DB, e.retry(), func(tx pgx.Tx) error {
		var err error
		receipt, err = e.settleTx(ctx, tx, req)
		return err
	})
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(resultLabel(err)).Inc()
		if errors.Is(err, ErrInsufficientCampaignBudget) {
			e.logger().Error("campaign budget exhausted at settlement",
				"campaign_id", req.CampaignID, "claim_id", req.ClaimID, "agent_id", req.AgentID,
				"amount", req.Amount.String(), "token", req.TokenSymbol)
		}
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("ok").Inc()
	mining.Observe(mining.ActionCompleteCampaignTask)
	e.publish(ctx, req)
	e.logger().Info("claim settled", "claim_id", req.ClaimID, "agent_id", req.AgentID,
		"amount", req.Amount.String(), "token", req.TokenSymbol, "remaining", receipt.RemainingAmount.String())
	return receipt, nil
}

func (e *Engine) settleTx(ctx context.Context, tx pgx.Tx, req Request) (*Receipt, error) {
	// The agent row lock orders concurrent balance writes for one agent.
	agent, err := e.Agents.GetByIDForUpdate(ctx, tx, req.AgentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock agent: %w", err)
	}

	err = e.Claims.ApproveTx(ctx, tx, repository.ApproveParams{
		ClaimID:    req.ClaimID,
		AgentID:    req.AgentID,
		Submission: req.Submission,
		Score:      req.Score,
		RewardPaid: req.Amount,
	})
	if errors.Is(err, repository.ErrConditionFailed) {
		return nil, ErrClaimNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approve claim: %w", err)
	}

	remaining, err := e.Campaigns.DebitRemainingTx(ctx, tx, req.CampaignID, req.Amount)
	switch {
	case errors.Is(err, repository.ErrInsufficientFunds):
		return nil, ErrInsufficientCampaignBudget
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrCampaignNotFound
	case err != nil:
		return nil, fmt.Errorf("debit campaign: %w", err)
	}

	claimID := req.ClaimID
	reward, err := e.Ledger.Credit(ctx, tx, ledger.Entry{
		AgentID:      req.AgentID,
		TokenSymbol:  req.TokenSymbol,
		TokenAddress: req.TokenAddress,
		Amount:       req.Amount,
		Type:         models.TxTypeCampaignReward,
		Description:  fmt.Sprintf("Earned %s %s from campaign %q", req.Amount.String(), req.TokenSymbol, req.CampaignName),
		ClaimID:      &claimID,
	})
	if err != nil {
		return nil, err
	}

	bonus, err := e.Mining.Award(ctx, tx, req.AgentID, mining.ActionCompleteCampaignTask,
		fmt.Sprintf("Bonus %s for completing task in %q", models.PlatformTokenSymbol, req.CampaignName), &claimID)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{TxID: reward.ID, BonusTxID: bonus.ID, RemainingAmount: remaining}
	if !agent.HasWallet() || e.Relay == nil {
		return receipt, nil
	}
	jobs := []relay.CreditArgs{
		{
			AgentID:       req.AgentID,
			WalletAddress: agent.WalletAddress,
			TokenSymbol:   req.TokenSymbol,
			TokenAddress:  req.TokenAddress,
			Amount:        req.Amount,
			Reason:        models.TxTypeCampaignReward,
			IntentKey:     relay.RewardIntent(req.ClaimID),
		},
		e.Mining.RelayArgs(agent, bonus.Amount, mining.ActionCompleteCampaignTask, relay.BonusIntent(req.ClaimID)),
	}
	for _, job := range jobs {
		if err := e.Relay.EnqueueTx(ctx, tx, job); err != nil {
			return nil, fmt.Errorf("enqueue relay %s: %w", job.IntentKey, err)
		}
	}
	receipt.Relayed = true
	return receipt, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrClaimNotFound):
		return "claim_not_found"
	case errors.Is(err, ErrInsufficientCampaignBudget):
		return "insufficient_budget"
	case errors.Is(err, repository.ErrRetriesExhausted):
		return "retries_exhausted"
	default:
		return "error"
	}
}

func (e *Engine) publish(ctx context.Context, req Request) {
	if e.Events == nil {
		return
	}
	amount, score := req.Amount, req.Score
	campaignID, taskID, claimID := req.CampaignID, req.TaskID, req.ClaimID
	e.Events.Publish(ctx, events.Event{
		Type:        events.TypeRewardSettled,
		AgentID:     req.AgentID,
		CampaignID:  &campaignID,
		TaskID:      &taskID,
		ClaimID:     &claimID,
		Amount:      &amount,
		TokenSymbol: req.TokenSymbol,
		Score:       &score,
		At:          time.Now().UTC(),
	})
}

func (e *Engine) retry() repository.RetryPolicy {
	p := e.Retry
	if p.MaxAttempts == 0 {
		p = repository.DefaultRetryPolicy
	}
	p.Op = "settle"
	return p
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
