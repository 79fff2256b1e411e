// Package claims admits agents onto tasks and routes their submissions
// through verification to settlement.
package claims

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
	"github.com/clawtask/backend/internal/metrics"
	"github.com/clawtask/backend/internal/models"
	"github.com/clawtask/backend/internal/repository"
	"github.com/clawtask/backend/internal/settlement"
	"github.com/clawtask/backend/internal/verifier"
)

// DefaultMaxInFlight caps the claimed-but-unsettled claims an agent may hold.
const DefaultMaxInFlight = 5

// MaxListLimit caps list queries.
const MaxListLimit = 50

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskNotOpen      = errors.New("task is no longer available")
	ErrTaskFull         = errors.New("task is full")
	ErrDuplicateClaim   = errors.New("you already claimed this task")
	ErrTooManyInFlight  = errors.New("too many tasks in progress")
	ErrClaimNotFound    = settlement.ErrClaimNotFound
	ErrCampaignNotFound = settlement.ErrCampaignNotFound
	ErrAgentNotFound    = settlement.ErrAgentNotFound
)

type AgentLocker interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Agent, error)
}

type TaskRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetByIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, status string, limit int) ([]*models.Task, error)
	IncrementClaimCountTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
}

type ClaimRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, c *models.TaskClaim) error
	HasActiveTx(ctx context.Context, tx pgx.Tx, agentID, taskID uuid.UUID) (bool, error)
	CountInFlightTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (int, error)
	GetActive(ctx context.Context, claimID, agentID uuid.UUID) (*models.TaskClaim, error)
	ListByAgent(ctx context.Context, agentID uuid.UUID, status string, limit int) ([]*models.ClaimSummary, error)
}

type CampaignRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
}

// Settler pays an approved submission.
type Settler interface {
	Settle(ctx context.Context, req settlement.Request) (*settlement.Receipt, error)
}

// Manager owns the claim lifecycle: claimed, then approved once settled.
// A rejected submission leaves the claim claimed so the agent can retry.
type Manager struct {
	DB          repository.TxBeginner
	Agents      AgentLocker
	Tasks       TaskRepo
	Claims      ClaimRepo
	Campaigns   CampaignRepo
	Verifier    verifier.Verifier
	Settlement  Settler
	Events      events.Publisher
	MaxInFlight int
	Retry       repository.RetryPolicy
	Logger      *slog.Logger
}

// SubmitResult reports the verdict and, when approved, the payout.
type SubmitResult struct {
	ClaimID         uuid.UUID        `json:"claim_id"`
	Approved        bool             `json:"approved"`
	Score           int              `json:"score"`
	Reason          string           `json:"reason"`
	Reward          *decimal.Decimal `json:"reward,omitempty"`
	TokenSymbol     string           `json:"token,omitempty"`
	TxID            *uuid.UUID       `json:"tx_id,omitempty"`
	BonusTxID       *uuid.UUID       `json:"bonus_tx_id,omitempty"`
	RemainingBudget *decimal.Decimal `json:"remaining_budget,omitempty"`
}

// Task returns the task if it belongs to the campaign.
func (m *Manager) Task(ctx context.Context, campaignID, taskID uuid.UUID) (*models.Task, error) {
	task, err := m.Tasks.GetByID(ctx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if task.CampaignID != campaignID {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// Claim reserves one slot of the task for the agent.
func (m *Manager) Claim(ctx context.Context, agentID, taskID uuid.UUID) (*models.TaskClaim, error) {
	var claim *models.TaskClaim
	err := repository.WithTx(ctx, m.DB, m.retry("claim"), func(tx pgx.Tx) error {
		var err error
		claim, err = m.claimTx(ctx, tx, agentID, taskID)
		return err
	})
	metrics.ClaimsTotal.WithLabelValues(claimResult(err)).Inc()
	if err != nil {
		return nil, err
	}

	m.publish(ctx, events.Event{
		Type:    events.TypeTaskClaimed,
		AgentID: agentID,
		TaskID:  &claim.TaskID,
		ClaimID: &claim.ID,
		At:      claim.ClaimedAt,
	})
	m.logger().Info("task claimed", "claim_id", claim.ID, "task_id", taskID, "agent_id", agentID)
	return claim, nil
}

func (m *Manager) claimTx(ctx context.Context, tx pgx.Tx, agentID, taskID uuid.UUID) (*models.TaskClaim, error) {
	// Locking the agent keeps the in-flight count stable until commit.
	if _, err := m.Agents.GetByIDForUpdate(ctx, tx, agentID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("lock agent: %w", err)
	}

	task, err := m.Tasks.GetByIDTx(ctx, tx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := admissible(task); err != nil {
		return nil, err
	}

	dup, err := m.Claims.HasActiveTx(ctx, tx, agentID, taskID)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, ErrDuplicateClaim
	}

	inFlight, err := m.Claims.CountInFlightTx(ctx, tx, agentID)
	if err != nil {
		return nil, err
	}
	if inFlight >= m.maxInFlight() {
		return nil, ErrTooManyInFlight
	}

	if _, err := m.Tasks.IncrementClaimCountTx(ctx, tx, taskID); err != nil {
		if !errors.Is(err, repository.ErrConditionFailed) {
			return nil, err
		}
		// Another claim took the last slot or the task closed after our read.
		current, rerr := m.Tasks.GetByIDTx(ctx, tx, taskID)
		if rerr != nil {
			return nil, rerr
		}
		if err := admissible(current); err != nil {
			return nil, err
		}
		return nil, ErrTaskFull
	}

	claim := &models.TaskClaim{
		ID:      uuid.New(),
		TaskID:  taskID,
		AgentID: agentID,
		Status:  models.ClaimStatusClaimed,
	}
	if err := m.Claims.CreateTx(ctx, tx, claim); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateClaim
		}
		return nil, fmt.Errorf("create claim: %w", err)
	}
	return claim, nil
}

// admissible reports ErrTaskFull for a full task or an open one with no
// slots left. Every other status is ErrTaskNotOpen, whatever the count.
func admissible(t *models.Task) error {
	switch t.Status {
	case models.TaskStatusFull:
		return ErrTaskFull
	case models.TaskStatusOpen:
		if t.ClaimCount >= t.MaxClaims {
			return ErrTaskFull
		}
		return nil
	default:
		return ErrTaskNotOpen
	}
}

// Submit verifies the submission and settles it when approved.
func (m *Manager) Submit(ctx context.Context, agentID, claimID uuid.UUID, submission string) (*SubmitResult, error) {
	return m.submit(ctx, agentID, claimID, uuid.Nil, submission)
}

// SubmitForTask is Submit for a claim that must belong to taskID. A claim on
// any other task is reported as ErrClaimNotFound.
func (m *Manager) SubmitForTask(ctx context.Context, agentID, taskID, claimID uuid.UUID, submission string) (*SubmitResult, error) {
	return m.submit(ctx, agentID, claimID, taskID, submission)
}

func (m *Manager) submit(ctx context.Context, agentID, claimID, taskID uuid.UUID, submission string) (*SubmitResult, error) {
	claim, err := m.Claims.GetActive(ctx, claimID, agentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrClaimNotFound
	}
	if err != nil {
		return nil, err
	}
	if taskID != uuid.Nil && claim.TaskID != taskID {
		return nil, ErrClaimNotFound
	}
	task, err := m.Tasks.GetByID(ctx, claim.TaskID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	campaign, err := m.Campaigns.GetByID(ctx, task.CampaignID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, err
	}

	verdict, err := m.Verifier.Verify(ctx, submission, verifier.TaskContext{
		TaskType:     verifier.ParseTaskType(task.TaskType),
		Difficulty:   task.Difficulty,
		Title:        task.Title,
		Description:  task.Description,
		CampaignName: campaign.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("verify submission: %w", err)
	}
	metrics.SubmissionScore.Observe(float64(verdict.Score))

	res := &SubmitResult{ClaimID: claimID, Approved: verdict.Approved, Score: verdict.Score, Reason: verdict.Reason}
	if !verdict.Approved {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		score := verdict.Score
		m.publish(ctx, events.Event{
			Type:       events.TypeSubmissionRejected,
			AgentID:    agentID,
			CampaignID: &campaign.ID,
			TaskID:     &task.ID,
			ClaimID:    &claimID,
			Score:      &score,
			At:         time.Now().UTC(),
		})
		return res, nil
	}
	metrics.SubmissionsTotal.WithLabelValues("approved").Inc()

	receipt, err := m.Settlement.Settle(ctx, settlement.Request{
		AgentID:      agentID,
		CampaignID:   campaign.ID,
		CampaignName: campaign.Name,
		TaskID:       task.ID,
		ClaimID:      claimID,
		Amount:       task.Reward,
		TokenSymbol:  campaign.TokenSymbol,
		TokenAddress: campaign.TokenAddress,
		Submission:   submission,
		Score:        verdict.Score,
	})
	if err != nil {
		return nil, err
	}
	reward := task.Reward
	res.Reward = &reward
	res.TokenSymbol = campaign.TokenSymbol
	res.TxID = &receipt.TxID
	res.BonusTxID = &receipt.BonusTxID
	res.RemainingBudget = &receipt.RemainingAmount
	return res, nil
}

// ListClaims returns the agent's claims, newest first, with task and campaign
// details. status may be empty.
func (m *Manager) ListClaims(ctx context.Context, agentID uuid.UUID, status string, limit int) ([]*models.ClaimSummary, error) {
	return m.Claims.ListByAgent(ctx, agentID, status, clampLimit(limit, 20))
}

// ListTasks returns a campaign's tasks ordered by reward, highest first.
func (m *Manager) ListTasks(ctx context.Context, campaignID uuid.UUID, status string, limit int) ([]*models.Task, error) {
	if _, err := m.Campaigns.GetByID(ctx, campaignID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}
	return m.Tasks.ListByCampaign(ctx, campaignID, status, clampLimit(limit, MaxListLimit))
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func claimResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTaskFull):
		return "task_full"
	case errors.Is(err, ErrTaskNotOpen):
		return "task_not_open"
	case errors.Is(err, ErrDuplicateClaim):
		return "duplicate"
	case errors.Is(err, ErrTooManyInFlight):
		return "too_many_in_flight"
	case errors.Is(err, ErrTaskNotFound):
		return "task_not_found"
	default:
		return "error"
	}
}

func (m *Manager) maxInFlight() int {
	if m.MaxInFlight > 0 {
		return m.MaxInFlight
	}
	return DefaultMaxInFlight
}

func (m *Manager) retry(op string) repository.RetryPolicy {
	p := m.Retry
	if p.MaxAttempts == 0 {
		p = repository.DefaultRetryPolicy
	}
	p.Op = op
	return p
}

func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if m.Events != nil {
		m.Events.Publish(ctx, ev)
	}
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
