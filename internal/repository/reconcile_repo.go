package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clawtask/backend/internal/models"
)

// ReconcileRepo compares stored balances with the ledger entries that produced them.
type ReconcileRepo struct {
	pool *pgxpool.Pool
}

func NewReconcileRepo(pool *pgxpool.Pool) *ReconcileRepo {
	return &ReconcileRepo{pool: pool}
}

func (r *ReconcileRepo) MiningDrift(ctx context.Context) ([]models.Drift, error) {
	return r.drift(ctx, models.DriftMiningBalance, `
		SELECT a.id, 'AVT', a.mining_balance, COALESCE(SUM(t.amount), 0)
		FROM agents a
		LEFT JOIN transactions t ON t.agent_id = a.id AND upper(t.token_symbol) = 'AVT'
		GROUP BY a.id, a.mining_balance
		HAVING a.mining_balance <> COALESCE(SUM(t.amount), 0)
	`)
}

func (r *ReconcileRepo) TokenDrift(ctx context.Context) ([]models.Drift, error) {
	return r.drift(ctx, models.DriftTokenBalance, `
		SELECT b.agent_id, b.token_address, b.balance, COALESCE(SUM(t.amount), 0)
		FROM token_balances b
		LEFT JOIN transactions t ON t.agent_id = b.agent_id AND t.token_address = b.token_address
		    AND upper(t.token_symbol) <> 'AVT'
		GROUP BY b.agent_id, b.token_address, b.balance
		HAVING b.balance <> COALESCE(SUM(t.amount), 0)
	`)
}

// CampaignDrift compares total - remaining with the rewards recorded on approved claims.
func (r *ReconcileRepo) CampaignDrift(ctx context.Context) ([]models.Drift, error) {
	return r.drift(ctx, models.DriftCampaignBudget, `
		SELECT c.id, c.token_symbol, c.total_amount - c.remaining_amount, COALESCE(SUM(tc.reward_paid), 0)
		FROM campaigns c
		LEFT JOIN tasks t ON t.campaign_id = c.id
		LEFT JOIN task_claims tc ON tc.task_id = t.id AND tc.status = 'approved'
		GROUP BY c.id, c.token_symbol, c.total_amount, c.remaining_amount
		HAVING c.total_amount - c.remaining_amount <> COALESCE(SUM(tc.reward_paid), 0)
	`)
}

func (r *ReconcileRepo) drift(ctx context.Context, kind, query string) ([]models.Drift, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Drift, error) {
		d := models.Drift{Kind: kind}
		err := row.Scan(&d.OwnerID, &d.Token, &d.Recorded, &d.Expected)
		return d, err
	})
}
