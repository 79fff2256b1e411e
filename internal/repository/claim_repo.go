package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/models"
)

const claimColumns = `id, task_id, agent_id, status, submission, score, reward_paid, claimed_at, submitted_at, reviewed_at`

type ClaimRepo struct {
	pool *pgxpool.Pool
}

func NewClaimRepo(pool *pgxpool.Pool) *ClaimRepo {
	return &ClaimRepo{pool: pool}
}

// ApproveParams is the terminal transition of a claim.
type ApproveParams struct {
	ClaimID    uuid.UUID
	AgentID    uuid.UUID
	Submission string
	Score      int
	RewardPaid decimal.Decimal
}

func scanClaim(row pgx.Row) (*models.TaskClaim, error) {
	var c models.TaskClaim
	err := row.Scan(&c.ID, &c.TaskID, &c.AgentID, &c.Status, &c.Submission, &c.Score, &c.RewardPaid, &c.ClaimedAt, &c.SubmittedAt, &c.ReviewedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// CreateTx inserts a claimed claim. The partial unique index on (task_id, agent_id)
// rejects a second active claim with ErrDuplicate.
func (r *ClaimRepo) CreateTx(ctx context.Context, tx pgx.Tx, c *models.TaskClaim) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO task_claims (id, task_id, agent_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING claimed_at
	`, c.ID, c.TaskID, c.AgentID, c.Status).Scan(&c.ClaimedAt)
	if IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *ClaimRepo) HasActiveTx(ctx context.Context, tx pgx.Tx, agentID, taskID uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM task_claims WHERE agent_id = $1 AND task_id = $2 AND status = 'claimed')
	`, agentID, taskID).Scan(&exists)
	return exists, err
}

func (r *ClaimRepo) CountInFlightTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT count(*) FROM task_claims WHERE agent_id = $1 AND status = 'claimed'`, agentID).Scan(&n)
	return n, err
}

// GetActive returns the agent's claimed claim with the given id.
func (r *ClaimRepo) GetActive(ctx context.Context, claimID, agentID uuid.UUID) (*models.TaskClaim, error) {
	return scanClaim(r.pool.QueryRow(ctx, `
		SELECT `+claimColumns+` FROM task_claims
		WHERE id = $1 AND agent_id = $2 AND status = 'claimed'
	`, claimID, agentID))
}

// ApproveTx moves a claim from claimed to approved. Only one caller can win;
// the others get ErrConditionFailed.
func (r *ClaimRepo) ApproveTx(ctx context.Context, tx pgx.Tx, p ApproveParams) error {
	tag, err := tx.Exec(ctx, `
		UPDATE task_claims
		SET status = 'approved', submission = $3, score = $4, reward_paid = $5,
		    submitted_at = now(), reviewed_at = now()
		WHERE id = $1 AND agent_id = $2 AND status = 'claimed'
	`, p.ClaimID, p.AgentID, p.Submission, p.Score, p.RewardPaid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

// ListByAgent returns the agent's claims newest first. Empty status matches all.
func (r *ClaimRepo) ListByAgent(ctx context.Context, agentID uuid.UUID, status string, limit int) ([]*models.ClaimSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.task_id, c.agent_id, c.status, c.submission, c.score, c.reward_paid,
		       c.claimed_at, c.submitted_at, c.reviewed_at,
		       t.title, t.task_type, t.difficulty, t.reward,
		       p.id, p.name, p.token_symbol
		FROM task_claims c
		JOIN tasks t ON t.id = c.task_id
		JOIN campaigns p ON p.id = t.campaign_id
		WHERE c.agent_id = $1 AND ($2 = '' OR c.status = $2)
		ORDER BY c.claimed_at DESC
		LIMIT $3
	`, agentID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.ClaimSummary
	for rows.Next() {
		var s models.ClaimSummary
		if err := rows.Scan(&s.ID, &s.TaskID, &s.AgentID, &s.Status, &s.Submission, &s.Score, &s.RewardPaid,
			&s.ClaimedAt, &s.SubmittedAt, &s.ReviewedAt,
			&s.TaskTitle, &s.TaskType, &s.Difficulty, &s.Reward,
			&s.CampaignID, &s.CampaignName, &s.TokenSymbol); err != nil {
			return nil, err
		}
		list = append(list, &s)
	}
	return list, rows.Err()
}
