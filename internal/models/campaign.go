package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	CampaignStatusActive = "active"
	CampaignStatusPaused = "paused"
	CampaignStatusEnded  = "ended"
)

type Campaign struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	TokenName       string          `json:"token_name"`
	TokenSymbol     string          `json:"token_symbol"`
	TokenAddress    string          `json:"token_address"`
	ChainID         int64           `json:"chain_id"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	Status          string          `json:"status"`
	EndsAt          *time.Time      `json:"ends_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Distributed is the part of the budget already paid out.
func (c *Campaign) Distributed() decimal.Decimal {
	return c.TotalAmount.Sub(c.RemainingAmount)
}
