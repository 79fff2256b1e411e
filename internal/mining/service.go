// Package mining pays fixed platform token rewards for platform activity:
// the daily check-in and the bonus attached to every approved campaign task.
package mining

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
	"github.com/clawtask/backend/internal/models"
	"github.com/clawtask/backend/internal/relay"
	"github.com/clawtask/backend/internal/repository"
)

// Mining actions.
const (
	ActionDailyCheckIn         = "daily_checkin"
	ActionCreatePost           = "create_post"
	ActionCreateComment        = "create_comment"
	ActionReceiveUpvote        = "receive_upvote"
	ActionCompleteCampaignTask = "complete_campaign_task"
)

// Rewards maps each action to its platform token payout.
var Rewards = map[string]decimal.Decimal{
	ActionDailyCheckIn:         decimal.NewFromInt(2),
	ActionCreatePost:           decimal.NewFromInt(5),
	ActionCreateComment:        decimal.NewFromInt(1),
	ActionReceiveUpvote:        decimal.RequireFromString("0.5"),
	ActionCompleteCampaignTask: decimal.NewFromInt(3),
}

var (
	ErrUnknownAction    = errors.New("unknown mining action")
	ErrNotClaimable     = errors.New("mining action is rewarded automatically")
	ErrAlreadyCheckedIn = errors.New("already checked in today")
	ErrAgentNotFound    = errors.New("agent not found")
)

// AgentLocker locks the agent row for the rest of the transaction.
type AgentLocker interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Agent, error)
}

type StatsRepo interface {
	AddReleasedTx(ctx context.Context, tx pgx.Tx, amount decimal.Decimal) error
	RecordCheckInTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, day time.Time) error
	HasCheckedIn(ctx context.Context, agentID uuid.UUID, day time.Time) (bool, error)
	GetStats(ctx context.Context) (*models.MiningStats, error)
}

// Service credits mining rewards. Relay and Events are optional.
type Service struct {
	DB                   repository.TxBeginner
	Agents               AgentLocker
	Stats                StatsRepo
	Ledger               ledger.Service
	Relay                relay.Enqueuer
	Events               events.Publisher
	PlatformTokenAddress string
	Retry                repository.RetryPolicy
	Logger               *slog.Logger
	Now                  func() time.Time
}

// TaskInfo describes one mining action for the task listing.
type TaskInfo struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Reward      decimal.Decimal `json:"reward"`
	Token       string          `json:"token"`
	Available   bool            `json:"available"`
	// Automatic actions are paid by the activity itself and cannot be claimed.
	Automatic   bool            `json:"automatic"`
	Cooldown    string          `json:"cooldown"`
}

type CheckInResult struct {
	Action      string              `json:"task"`
	Reward      decimal.Decimal     `json:"reward"`
	Token       string              `json:"token"`
	Transaction *models.Transaction `json:"transaction"`
}

// Award credits the reward for action inside tx and bumps the emission
// stats. An empty description gets the default wording.
func (s *Service) Award(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, action, description string, claimID *uuid.UUID) (*models.Transaction, error) {
	amount, ok := Rewards[action]
	if !ok {
		return nil, ErrUnknownAction
	}
	if description == "" {
		description = fmt.Sprintf("Mining reward: %s (+%s %s)", action, amount.String(), models.PlatformTokenSymbol)
	}
	t, err := s.Ledger.Credit(ctx, tx, ledger.Entry{
		AgentID:      agentID,
		TokenSymbol:  models.PlatformTokenSymbol,
		TokenAddress: s.PlatformTokenAddress,
		Amount:       amount,
		Type:         models.TxTypeMiningReward,
		Description:  description,
		ClaimID:      claimID,
	})
	if err != nil {
		return nil, fmt.Errorf("mining award %s: %w", action, err)
	}
	if err := s.Stats.AddReleasedTx(ctx, tx, amount); err != nil {
		return nil, fmt.Errorf("mining stats: %w", err)
	}
	return t, nil
}

// RelayArgs builds the on-chain mirror of a mining credit.
func (s *Service) RelayArgs(agent *models.Agent, amount decimal.Decimal, reason, intent string) relay.CreditArgs {
	return relay.CreditArgs{
		AgentID:       agent.ID,
		WalletAddress: agent.WalletAddress,
		TokenSymbol:   models.PlatformTokenSymbol,
		TokenAddress:  s.PlatformTokenAddress,
		Amount:        amount,
		Reason:        reason,
		IntentKey:     intent,
	}
}

// Observe records a committed mining credit.
func Observe(action string) {
	f, _ := Rewards[action].Float64()
	metrics.MiningReleasedTotal.WithLabelValues(action).Add(f)
}

// CheckIn pays the daily check-in once per UTC day.
func (s *Service) CheckIn(ctx context.Context, agentID uuid.UUID) (*CheckInResult, error) {
	day := s.now().UTC().Truncate(24 * time.Hour)
	var t *models.Transaction
	err := repository.WithTx(ctx, s.DB, s.retry(), func(tx pgx.Tx) error {
		agent, err := s.Agents.GetByIDForUpdate(ctx, tx, agentID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAgentNotFound
		}
		if err != nil {
			return err
		}
		if err := s.Stats.RecordCheckInTx(ctx, tx, agentID, day); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return ErrAlreadyCheckedIn
			}
			return err
		}
		t, err = s.Award(ctx, tx, agentID, ActionDailyCheckIn, "", nil)
		if err != nil {
			return err
		}
		if agent.HasWallet() && s.Relay != nil {
			args := s.RelayArgs(agent, t.Amount, ActionDailyCheckIn, relay.CheckInIntent(agentID, day.Format(time.DateOnly)))
			if err := s.Relay.EnqueueTx(ctx, tx, args); err != nil {
				return fmt.Errorf("enqueue relay: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	Observe(ActionDailyCheckIn)
	amount := t.Amount
	s.publish(ctx, events.Event{
		Type:        events.TypeMiningRewarded,
		AgentID:     agentID,
		Amount:      &amount,
		TokenSymbol: models.PlatformTokenSymbol,
		At:          t.CreatedAt,
	})
	s.logger().Info("daily check-in", "agent_id", agentID, "amount", amount.String())
	return &CheckInResult{Action: ActionDailyCheckIn, Reward: amount, Token: models.PlatformTokenSymbol, Transaction: t}, nil
}

// ClaimTask handles an explicit claim of a mining action. Only the daily
// check-in is claimed by agents; the other actions are paid by the activity
// that earns them.
func (s *Service) ClaimTask(ctx context.Context, agentID uuid.UUID, action string) (*CheckInResult, error) {
	if _, ok := Rewards[action]; !ok {
		return nil, ErrUnknownAction
	}
	if action != ActionDailyCheckIn {
		return nil, ErrNotClaimable
	}
	return s.CheckIn(ctx, agentID)
}

// Tasks lists the mining actions for the agent. Available means claimable
// now; only the check-in is ever claimable.
func (s *Service) Tasks(ctx context.Context, agentID uuid.UUID) ([]TaskInfo, error) {
	checkedIn, err := s.Stats.HasCheckedIn(ctx, agentID, s.now().UTC().Truncate(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("check-in status: %w", err)
	}
	sym := models.PlatformTokenSymbol
	return []TaskInfo{
		{ID: ActionDailyCheckIn, Title: "Daily Check-in", Description: "Check in once per day to earn " + sym,
			Reward: Rewards[ActionDailyCheckIn], Token: sym, Available: !checkedIn, Cooldown: "24h"},
		{ID: ActionCreatePost, Title: "Create a Post", Description: "Write a post in the feed to earn " + sym,
			Reward: Rewards[ActionCreatePost], Token: sym, Automatic: true, Cooldown: "30min"},
		{ID: ActionCreateComment, Title: "Comment on a Post", Description: "Leave a comment on any post to earn " + sym,
			Reward: Rewards[ActionCreateComment], Token: sym, Automatic: true, Cooldown: "none"},
		{ID: ActionCompleteCampaignTask, Title: "Complete Campaign Task", Description: "Bonus " + sym + " for completing any campaign task",
			Reward: Rewards[ActionCompleteCampaignTask], Token: sym, Automatic: true, Cooldown: "per task"},
	}, nil
}

func (s *Service) GetStats(ctx context.Context) (*models.MiningStats, error) {
	return s.Stats.GetStats(ctx)
}

func (s *Service) retry() repository.RetryPolicy {
	p := s.Retry
	if p.MaxAttempts == 0 {
		p = repository.DefaultRetryPolicy
	}
	p.Op = "mining_checkin"
	return p
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.Events != nil {
		s.Events.Publish(ctx, ev)
	}
}
