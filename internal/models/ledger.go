package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction type enums. Transactions are append-only.
const (
	TxTypeCampaignReward = "campaign_reward"
	TxTypeMiningReward   = "mining_reward"
	TxTypeWithdraw       = "withdraw"
)

// Transaction is one signed ledger entry. For every (agent, token) the sum of
// Amount equals the agent's balance of that token.
type Transaction struct {
	ID           uuid.UUID        `json:"id"`
	AgentID      uuid.UUID        `json:"agent_id"`
	TokenSymbol  string           `json:"token_symbol"`
	TokenAddress string           `json:"token_address,omitempty"`
	Amount       decimal.Decimal  `json:"amount"`
	BalanceAfter *decimal.Decimal `json:"balance_after,omitempty"`
	Type         string           `json:"type"`
	Description  string           `json:"description"`
	ClaimID      *uuid.UUID       `json:"claim_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

type TokenBalance struct {
	AgentID      uuid.UUID       `json:"agent_id"`
	TokenSymbol  string          `json:"token_symbol"`
	TokenAddress string          `json:"token_address"`
	Balance      decimal.Decimal `json:"balance"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

const (
	WithdrawalStatusPending = "pending"
	WithdrawalStatusRelayed = "relayed"
)

type Withdrawal struct {
	ID           uuid.UUID       `json:"id"`
	AgentID      uuid.UUID       `json:"agent_id"`
	TokenSymbol  string          `json:"token_symbol"`
	TokenAddress string          `json:"token_address"`
	Amount       decimal.Decimal `json:"amount"`
	ToAddress    string          `json:"to_address"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

// MiningStats aggregates platform token emission.
type MiningStats struct {
	TotalReleased decimal.Decimal `json:"total_released"`
	TotalBurned   decimal.Decimal `json:"total_burned"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Drift is a balance that disagrees with the sum of its ledger entries.
type Drift struct {
	Kind     string          `json:"kind"`
	OwnerID  uuid.UUID       `json:"owner_id"`
	Token    string          `json:"token"`
	Recorded decimal.Decimal `json:"recorded"`
	Expected decimal.Decimal `json:"expected"`
}

const (
	DriftMiningBalance  = "mining_balance"
	DriftTokenBalance   = "token_balance"
	DriftCampaignBudget = "campaign_budget"
)
