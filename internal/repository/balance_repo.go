package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/models"
)

// BalanceRepo stores per-campaign project token balances. The platform token
// lives on agents.mining_balance instead.
type BalanceRepo struct {
	pool *pgxpool.Pool
}

func NewBalanceRepo(pool *pgxpool.Pool) *BalanceRepo {
	return &BalanceRepo{pool: pool}
}

// CreditTx adds amount to the balance, creating the row on first credit.
func (r *BalanceRepo) CreditTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, symbol, address string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(ctx, `
		INSERT INTO token_balances (agent_id, token_symbol, token_address, balance)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id, token_address)
		DO UPDATE SET balance = token_balances.balance + EXCLUDED.balance, updated_at = now()
		RETURNING balance
	`, agentID, symbol, address, amount).Scan(&balance)
	return balance, err
}

// DebitTx subtracts amount only if the balance covers it.
func (r *BalanceRepo) DebitTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, address string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(ctx, `
		UPDATE token_balances SET balance = balance - $3, updated_at = now()
		WHERE agent_id = $1 AND token_address = $2 AND balance >= $3
		RETURNING balance
	`, agentID, address, amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrInsufficientFunds
	}
	return balance, err
}

// GetBySymbolTx finds the agent's balance for a token symbol, largest first when
// several campaigns share a symbol.
func (r *BalanceRepo) GetBySymbolTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, symbol string) (*models.TokenBalance, error) {
	var b models.TokenBalance
	err := tx.QueryRow(ctx, `
		SELECT agent_id, token_symbol, token_address, balance, updated_at
		FROM token_balances
		WHERE agent_id = $1 AND upper(token_symbol) = upper($2)
		ORDER BY balance DESC
		LIMIT 1
	`, agentID, symbol).Scan(&b.AgentID, &b.TokenSymbol, &b.TokenAddress, &b.Balance, &b.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (r *BalanceRepo) ListByAgent(ctx context.Context, agentID uuid.UUID) ([]*models.TokenBalance, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT agent_id, token_symbol, token_address, balance, updated_at
		FROM token_balances WHERE agent_id = $1 AND balance > 0
		ORDER BY balance DESC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.TokenBalance
	for rows.Next() {
		var b models.TokenBalance
		if err := rows.Scan(&b.AgentID, &b.TokenSymbol, &b.TokenAddress, &b.Balance, &b.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &b)
	}
	return list, rows.Err()
}
