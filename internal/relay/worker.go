package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/clawtask/backend/internal/metrics"
	"github.com/clawtask/backend/internal/models"
)

var (
	ErrInvalidWallet    = errors.New("invalid wallet address")
	ErrRelayDisabled    = errors.New("no relay signing key configured")
	ErrNoTokenContract  = errors.New("token has no contract address")
	errCommitHookNeeded = errors.New("relay: transaction does not support commit hooks")
)

// Relayer turns CreditArgs into a chain transfer.
type Relayer struct {
	chain                Chain
	platformTokenAddress string
	logger               *slog.Logger
}

// NewRelayer accepts a nil chain; every relay then fails with ErrRelayDisabled.
func NewRelayer(chain Chain, platformTokenAddress string, logger *slog.Logger) *Relayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relayer{chain: chain, platformTokenAddress: platformTokenAddress, logger: logger}
}

// Relay returns the transaction hash, or "" when the agent has no wallet.
func (r *Relayer) Relay(ctx context.Context, args CreditArgs) (string, error) {
	if args.WalletAddress == "" {
		return "", nil
	}
	if !ValidWallet(args.WalletAddress) {
		return "", ErrInvalidWallet
	}
	if r.chain == nil {
		return "", ErrRelayDisabled
	}
	platform := models.IsPlatformToken(args.TokenSymbol)
	token := args.TokenAddress
	if platform && token == "" {
		token = r.platformTokenAddress
	}
	if token == "" && !platform {
		return "", ErrNoTokenContract
	}
	return r.chain.Send(ctx, Transfer{
		To:           args.WalletAddress,
		TokenAddress: token,
		Amount:       args.Amount,
		Platform:     platform,
		Reason:       args.Reason,
	})
}

// permanent reports errors no retry can fix.
func permanent(err error) bool {
	return errors.Is(err, ErrInvalidWallet) || errors.Is(err, ErrRelayDisabled) || errors.Is(err, ErrNoTokenContract)
}

// Worker processes relay_credit jobs.
type Worker struct {
	river.WorkerDefaults[CreditArgs]
	relayer *Relayer
	logger  *slog.Logger
}

func NewWorker(relayer *Relayer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{relayer: relayer, logger: logger}
}

func (w *Worker) Timeout(*river.Job[CreditArgs]) time.Duration { return 2 * time.Minute }

func (w *Worker) Work(ctx context.Context, job *river.Job[CreditArgs]) error {
	args := job.Args
	log := w.logger.With(
		"job_id", job.ID,
		"attempt", job.Attempt,
		"intent", args.IntentKey,
		"agent_id", args.AgentID,
		"wallet", args.WalletAddress,
		"token", args.TokenSymbol,
		"amount", args.Amount.String(),
	)

	hash, err := w.relayer.Relay(ctx, args)
	switch {
	case err == nil && hash == "":
		metrics.RelayJobsTotal.WithLabelValues("skipped").Inc()
		return nil
	case err == nil:
		metrics.RelayJobsTotal.WithLabelValues("sent").Inc()
		log.Info("relayed credit on chain", "tx_hash", hash)
		return nil
	case permanent(err):
		metrics.RelayJobsTotal.WithLabelValues("cancelled").Inc()
		log.Error("relay cancelled", "error", err)
		return river.JobCancel(err)
	default:
		metrics.RelayJobsTotal.WithLabelValues("failed").Inc()
		log.Error("relay attempt failed", "error", err)
		return fmt.Errorf("relay %s: %w", args.IntentKey, err)
	}
}

// LocalQueue relays in-process after commit. It backs the memory storage
// driver, which has no river tables; each relay gets a single attempt.
type LocalQueue struct {
	relayer *Relayer
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewLocalQueue(relayer *Relayer, logger *slog.Logger) *LocalQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalQueue{relayer: relayer, logger: logger, timeout: 2 * time.Minute}
}

type commitHooker interface {
	OnCommit(fn func())
}

func (q *LocalQueue) EnqueueTx(_ context.Context, tx pgx.Tx, args CreditArgs) error {
	hooker, ok := tx.(commitHooker)
	if !ok {
		return errCommitHookNeeded
	}
	hooker.OnCommit(func() {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.run(args)
		}()
	})
	return nil
}

func (q *LocalQueue) run(args CreditArgs) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	hash, err := q.relayer.Relay(ctx, args)
	if err != nil {
		metrics.RelayJobsTotal.WithLabelValues("failed").Inc()
		q.logger.Error("relay failed", "intent", args.IntentKey, "agent_id", args.AgentID,
			"wallet", args.WalletAddress, "token", args.TokenSymbol, "amount", args.Amount.String(), "error", err)
		return
	}
	if hash != "" {
		metrics.RelayJobsTotal.WithLabelValues("sent").Inc()
		q.logger.Info("relayed credit on chain", "intent", args.IntentKey, "tx_hash", hash)
	}
}

// Wait blocks until every started relay has finished.
func (q *LocalQueue) Wait() { q.wg.Wait() }
