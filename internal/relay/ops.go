package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

var ErrJobNotFound = errors.New("relay job not found")

// FailedJob is a relay job that stopped retrying.
type FailedJob struct {
	ID          int64      `json:"id"`
	State       string     `json:"state"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	Args        CreditArgs `json:"args"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// Ops lists and retries relay jobs that were discarded or cancelled.
type Ops struct {
	client *river.Client[pgx.Tx]
}

func NewOps(client *river.Client[pgx.Tx]) *Ops {
	return &Ops{client: client}
}

func (o *Ops) Failed(ctx context.Context, limit int) ([]FailedJob, error) {
	params := river.NewJobListParams().
		Kinds(KindCredit).
		States(rivertype.JobStateDiscarded, rivertype.JobStateCancelled).
		First(limit)
	res, err := o.client.JobList(ctx, params)
	if err != nil {
		return nil, err
	}
	out := make([]FailedJob, 0, len(res.Jobs))
	for _, row := range res.Jobs {
		out = append(out, toFailedJob(row))
	}
	return out, nil
}

// Retry makes a failed relay job available again. Its attempt budget starts over.
func (o *Ops) Retry(ctx context.Context, id int64) (*FailedJob, error) {
	row, err := o.client.JobGet(ctx, id)
	if errors.Is(err, rivertype.ErrNotFound) || (err == nil && row.Kind != KindCredit) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	row, err = o.client.JobRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	job := toFailedJob(row)
	return &job, nil
}

func toFailedJob(row *rivertype.JobRow) FailedJob {
	job := FailedJob{
		ID:          row.ID,
		State:       string(row.State),
		Attempt:     row.Attempt,
		MaxAttempts: row.MaxAttempts,
		CreatedAt:   row.CreatedAt,
		FinalizedAt: row.FinalizedAt,
	}
	_ = json.Unmarshal(row.EncodedArgs, &job.Args)
	if n := len(row.Errors); n > 0 {
		job.LastError = row.Errors[n-1].Error
	}
	return job
}
