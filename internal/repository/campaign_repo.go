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

const campaignColumns = `id, name, description, token_name, token_symbol, token_address, chain_id, total_amount, remaining_amount, status, ends_at, created_at`

type CampaignRepo struct {
	pool *pgxpool.Pool
}

func NewCampaignRepo(pool *pgxpool.Pool) *CampaignRepo {
	return &CampaignRepo{pool: pool}
}

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var c models.Campaign
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.TokenName, &c.TokenSymbol, &c.TokenAddress, &c.ChainID, &c.TotalAmount, &c.RemainingAmount, &c.Status, &c.EndsAt, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *CampaignRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	return scanCampaign(r.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
}

// DebitRemainingTx decrements the campaign budget only when it covers amount.
// Returns ErrInsufficientFunds when it does not and ErrNotFound for an unknown campaign.
func (r *CampaignRepo) DebitRemainingTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	var remaining decimal.Decimal
	err := tx.QueryRow(ctx, `
		UPDATE campaigns SET remaining_amount = remaining_amount - $1
		WHERE id = $2 AND remaining_amount >= $1
		RETURNING remaining_amount
	`, amount, id).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, err
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, id).Scan(&exists); err != nil {
		return decimal.Zero, err
	}
	if !exists {
		return decimal.Zero, ErrNotFound
	}
	return decimal.Zero, ErrInsufficientFunds
}
