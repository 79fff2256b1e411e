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

const agentColumns = `id, name, description, api_key_hash, api_key_prefix, COALESCE(wallet_address, ''), mining_balance, created_at, updated_at`

type AgentRepo struct {
	pool *pgxpool.Pool
}

func NewAgentRepo(pool *pgxpool.Pool) *AgentRepo {
	return &AgentRepo{pool: pool}
}

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.APIKeyHash, &a.APIKeyPrefix, &a.WalletAddress, &a.MiningBalance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// CreateTx inserts the agent with a zero mining balance. A taken name or key hash returns ErrDuplicate.
func (r *AgentRepo) CreateTx(ctx context.Context, tx pgx.Tx, a *models.Agent) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO agents (id, name, description, api_key_hash, api_key_prefix)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING mining_balance, created_at, updated_at
	`, a.ID, a.Name, a.Description, a.APIKeyHash, a.APIKeyPrefix).Scan(&a.MiningBalance, &a.CreatedAt, &a.UpdatedAt)
	if IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *AgentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	return scanAgent(r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

func (r *AgentRepo) GetByAPIKeyHash(ctx context.Context, hash string) (*models.Agent, error) {
	return scanAgent(r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE api_key_hash = $1`, hash))
}

// GetByIDForUpdate locks the agent row for the rest of the transaction.
func (r *AgentRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Agent, error) {
	return scanAgent(tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id))
}

func (r *AgentRepo) SetWallet(ctx context.Context, id uuid.UUID, address string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE agents SET wallet_address = $2, updated_at = now() WHERE id = $1`, id, address)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMiningBalanceTx adds amount to the agent's platform token balance and returns the new balance.
func (r *AgentRepo) AddMiningBalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(ctx, `
		UPDATE agents SET mining_balance = mining_balance + $1, updated_at = now()
		WHERE id = $2
		RETURNING mining_balance
	`, amount, id).Scan(&balance)
	return balance, notFound(err)
}

// DeductMiningBalanceTx subtracts amount only if the balance covers it.
func (r *AgentRepo) DeductMiningBalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(ctx, `
		UPDATE agents SET mining_balance = mining_balance - $1, updated_at = now()
		WHERE id = $2 AND mining_balance >= $1
		RETURNING mining_balance
	`, amount, id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrInsufficientFunds
	}
	return balance, err
}
