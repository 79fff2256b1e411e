package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/models"
)

const miningStatsID = "global"

type MiningRepo struct {
	pool *pgxpool.Pool
}

func NewMiningRepo(pool *pgxpool.Pool) *MiningRepo {
	return &MiningRepo{pool: pool}
}

func (r *MiningRepo) AddReleasedTx(ctx context.Context, tx pgx.Tx, amount decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO mining_stats (id, total_released) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET total_released = mining_stats.total_released + EXCLUDED.total_released, updated_at = now()
	`, miningStatsID, amount)
	return err
}

// RecordCheckInTx marks the agent as checked in for day (UTC date). A second
// check-in on the same day returns ErrDuplicate.
func (r *MiningRepo) RecordCheckInTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, day time.Time) error {
	_, err := tx.Exec(ctx, `INSERT INTO mining_checkins (agent_id, day) VALUES ($1, $2)`, agentID, day.UTC().Format(time.DateOnly))
	if IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *MiningRepo) HasCheckedIn(ctx context.Context, agentID uuid.UUID, day time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM mining_checkins WHERE agent_id = $1 AND day = $2)
	`, agentID, day.UTC().Format(time.DateOnly)).Scan(&exists)
	return exists, err
}

func (r *MiningRepo) GetStats(ctx context.Context) (*models.MiningStats, error) {
	s := models.MiningStats{TotalReleased: decimal.Zero, TotalBurned: decimal.Zero}
	err := r.pool.QueryRow(ctx, `
		SELECT total_released, total_burned, updated_at FROM mining_stats WHERE id = $1
	`, miningStatsID).Scan(&s.TotalReleased, &s.TotalBurned, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &s, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
