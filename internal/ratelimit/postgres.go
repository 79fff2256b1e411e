package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps windows in the rate_limits table so every API instance shares them.
// A storage error admits the request.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, logger: logger}
}

// Allow counts up to max+1 and stops there, so a denied request never pushes the window further.
func (p *Postgres) Allow(ctx context.Context, key string, max int, window time.Duration) bool {
	var allowed bool
	err := p.pool.QueryRow(ctx, `
		INSERT INTO rate_limits AS rl (key, count, reset_at)
		VALUES ($1, 1, now() + $3::bigint * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE SET
		    count = CASE
		        WHEN now() > rl.reset_at THEN 1
		        WHEN rl.count > $2::int THEN rl.count
		        ELSE rl.count + 1
		    END,
		    reset_at = CASE WHEN now() > rl.reset_at THEN EXCLUDED.reset_at ELSE rl.reset_at END
		RETURNING count <= $2::int
	`, key, max, window.Milliseconds()).Scan(&allowed)
	if err != nil {
		p.logger.Warn("rate limit check failed, allowing request", "key", key, "error", err)
		return true
	}
	return allowed
}

// Sweep deletes expired windows.
func (p *Postgres) Sweep(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM rate_limits WHERE reset_at < now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
