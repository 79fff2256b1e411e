package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clawtask/backend/internal/models"
)

const taskColumns = `id, campaign_id, title, description, task_type, difficulty, reward, max_claims, claim_count, status, expires_at, created_at`

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.CampaignID, &t.Title, &t.Description, &t.TaskType, &t.Difficulty, &t.Reward, &t.MaxClaims, &t.ClaimCount, &t.Status, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

func (r *TaskRepo) GetByIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// ListByCampaign returns the campaign's tasks, highest reward first. Empty status matches all.
func (r *TaskRepo) ListByCampaign(ctx context.Context, campaignID uuid.UUID, status string, limit int) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE campaign_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY reward DESC, created_at ASC
		LIMIT $3
	`, campaignID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// IncrementClaimCountTx takes one claim slot in a single conditional UPDATE and
// flips the task to full when the last slot goes. Returns ErrConditionFailed
// when the task is not open or has no slot left.
func (r *TaskRepo) IncrementClaimCountTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	t, err := scanTask(tx.QueryRow(ctx, `
		UPDATE tasks
		SET claim_count = claim_count + 1,
		    status = CASE WHEN claim_count + 1 >= max_claims THEN 'full' ELSE status END
		WHERE id = $1 AND status = 'open' AND claim_count < max_claims
		RETURNING `+taskColumns, id))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConditionFailed
	}
	return t, err
}
