// Package relay mirrors ledger credits on chain. Jobs are inserted in the same
// database transaction as the credit they mirror and are processed at least
// once by river workers. The ledger stays the source of truth: a failed relay
// never changes a balance.
package relay

import (
	"context"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/shopspring/decimal"
)

const (
	KindCredit  = "relay_credit"
	MaxAttempts = 8
)

// CreditArgs is one on-chain transfer. IntentKey identifies the ledger event
// it mirrors; a second insert with the same key is dropped.
type CreditArgs struct {
	AgentID       uuid.UUID       `json:"agent_id"`
	WalletAddress string          `json:"wallet_address"`
	TokenSymbol   string          `json:"token_symbol"`
	TokenAddress  string          `json:"token_address"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	IntentKey     string          `json:"intent_key" river:"unique"`
}

func (CreditArgs) Kind() string { return KindCredit }

func (CreditArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: MaxAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// Enqueuer schedules a relay inside the caller's transaction.
type Enqueuer interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, args CreditArgs) error
}

// InsertTxFunc enqueues within the given transaction. Provided by main using river.Client.InsertTx.
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args CreditArgs) error

func (f InsertTxFunc) EnqueueTx(ctx context.Context, tx pgx.Tx, args CreditArgs) error {
	return f(ctx, tx, args)
}

var walletPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// ValidWallet reports whether address is a 0x-prefixed 20-byte hex address.
func ValidWallet(address string) bool {
	return walletPattern.MatchString(address)
}

// Intent keys.
func RewardIntent(claimID uuid.UUID) string { return "claim:" + claimID.String() + ":reward" }
func BonusIntent(claimID uuid.UUID) string  { return "claim:" + claimID.String() + ":bonus" }
func WithdrawIntent(id uuid.UUID) string    { return "withdraw:" + id.String() }
func CheckInIntent(agentID uuid.UUID, day string) string {
	return "checkin:" + agentID.String() + ":" + day
}
