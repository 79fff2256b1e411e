package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlatformTokenSymbol is the utility token tracked on agents.mining_balance
// instead of the token_balances table.
const PlatformTokenSymbol = "AVT"

// APIKeyPrefix starts every agent API key.
const APIKeyPrefix = "avt_"

type Agent struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	APIKeyHash    string          `json:"-"`
	APIKeyPrefix  string          `json:"api_key_prefix"`
	WalletAddress string          `json:"wallet_address,omitempty"`
	MiningBalance decimal.Decimal `json:"mining_balance"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// HasWallet reports whether on-chain credits can be relayed to the agent.
func (a *Agent) HasWallet() bool {
	return a.WalletAddress != ""
}

// IsPlatformToken reports whether symbol names the platform token. Case-insensitive.
func IsPlatformToken(symbol string) bool {
	return strings.EqualFold(symbol, PlatformTokenSymbol)
}
