package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Task status enums. A task is full exactly when claim_count reaches max_claims.
const (
	TaskStatusOpen   = "open"
	TaskStatusFull   = "full"
	TaskStatusClosed = "closed"
)

const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

type Task struct {
	ID          uuid.UUID       `json:"id"`
	CampaignID  uuid.UUID       `json:"campaign_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	TaskType    string          `json:"task_type"`
	Difficulty  string          `json:"difficulty"`
	Reward      decimal.Decimal `json:"reward"`
	MaxClaims   int             `json:"max_claims"`
	ClaimCount  int             `json:"claim_count"`
	Status      string          `json:"status"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Claim status enums. approved is terminal.
const (
	ClaimStatusClaimed  = "claimed"
	ClaimStatusApproved = "approved"
)

type TaskClaim struct {
	ID          uuid.UUID        `json:"id"`
	TaskID      uuid.UUID        `json:"task_id"`
	AgentID     uuid.UUID        `json:"agent_id"`
	Status      string           `json:"status"`
	Submission  string           `json:"submission,omitempty"`
	Score       *int             `json:"score,omitempty"`
	RewardPaid  *decimal.Decimal `json:"reward_paid,omitempty"`
	ClaimedAt   time.Time        `json:"claimed_at"`
	SubmittedAt *time.Time       `json:"submitted_at,omitempty"`
	ReviewedAt  *time.Time       `json:"reviewed_at,omitempty"`
}

// ClaimSummary is a claim joined with its task and campaign for the "my tasks" view.
type ClaimSummary struct {
	TaskClaim
	TaskTitle    string          `json:"task_title"`
	TaskType     string          `json:"task_type"`
	Difficulty   string          `json:"difficulty"`
	Reward       decimal.Decimal `json:"reward"`
	CampaignID   uuid.UUID       `json:"campaign_id"`
	CampaignName string          `json:"campaign_name"`
	TokenSymbol  string          `json:"token_symbol"`
}
