package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/clawtask/backend/internal/agents"
	"github.com/clawtask/backend/internal/claims"
	"github.com/clawtask/backend/internal/config"
	"github.com/clawtask/backend/internal/handlers"
	"github.com/clawtask/backend/internal/ledger"
	"github.com/clawtask/backend/internal/memstore"
	"github.com/clawtask/backend/internal/mining"
	"github.com/clawtask/backend/internal/ratelimit"
	"github.com/clawtask/backend/internal/reconcile"
	"github.com/clawtask/backend/internal/relay"
	"github.com/clawtask/backend/internal/repository"
	"github.com/clawtask/backend/internal/settlement"
	"github.com/clawtask/backend/internal/withdraw"
)

type agentRepo interface {
	agents.Repo
	ledger.AgentBalanceRepo
	settlement.AgentLocker
}

type campaignRepo interface {
	claims.CampaignRepo
	settlement.BudgetRepo
}

type claimRepo interface {
	claims.ClaimRepo
	settlement.ClaimApprover
}

type balanceRepo interface {
	ledger.TokenBalanceRepo
	agents.BalanceLister
	withdraw.BalanceFinder
}

type transactionRepo interface {
	ledger.TransactionRepo
	handlers.TransactionLister
}

// storage is one ledger store, postgres or in-memory, plus the relay queue
// and limiter that go with it.
type storage struct {
	db           repository.TxBeginner
	agents       agentRepo
	campaigns    campaignRepo
	tasks        claims.TaskRepo
	claims       claimRepo
	balances     balanceRepo
	transactions transactionRepo
	mining       mining.StatsRepo
	withdrawals  withdraw.WithdrawalRepo
	drift        reconcile.DriftSource

	relay   relay.Enqueuer
	limiter ratelimit.Limiter
	sweeper reconcile.Sweeper
	health  handlers.Pinger
	ops     handlers.RelayOps

	// start launches background workers; close releases everything.
	start func(ctx context.Context) error
	close func()
}

func openMemory(cfg *config.Config, relayer *relay.Relayer, logger *slog.Logger) *storage {
	store := memstore.New()
	limiter := ratelimit.NewMemory(cfg.RateLimit.SweepInterval)
	queue := relay.NewLocalQueue(relayer, logger)
	logger.Warn("using in-memory storage; all state is lost on exit")
	return &storage{
		db:           store,
		agents:       store.Agents(),
		campaigns:    store.Campaigns(),
		tasks:        store.Tasks(),
		claims:       store.Claims(),
		balances:     store.Balances(),
		transactions: store.TransactionLog(),
		mining:       store.Mining(),
		withdrawals:  store.WithdrawalLog(),
		drift:        store.Reconcile(),
		relay:        queue,
		limiter:      limiter,
		start:        func(context.Context) error { return nil },
		close: func() {
			queue.Wait()
			limiter.Close()
		},
	}
}

func openPostgres(ctx context.Context, cfg *config.Config, relayer *relay.Relayer, logger *slog.Logger) (*storage, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.Storage.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Storage.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot reach PostgreSQL: %w", err)
	}
	logger.Info("connected to PostgreSQL")

	if err := repository.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		pool.Close()
		return nil, fmt.Errorf("river migrate up: %w", err)
	}
	logger.Info("migrations applied")

	// Relay inserts are set after the river client exists (breaks init cycle).
	var insertMu sync.Mutex
	var insertFn relay.InsertTxFunc
	enqueue := relay.InsertTxFunc(func(ctx context.Context, tx pgx.Tx, args relay.CreditArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return fmt.Errorf("relay queue not started")
		}
		return fn(ctx, tx, args)
	})

	workers := river.NewWorkers()
	river.AddWorker(workers, relay.NewWorker(relayer, logger))
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: max(cfg.Relay.Workers, 1)},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create river client: %w", err)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args relay.CreditArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	s := &storage{
		db:           pool,
		agents:       repository.NewAgentRepo(pool),
		campaigns:    repository.NewCampaignRepo(pool),
		tasks:        repository.NewTaskRepo(pool),
		claims:       repository.NewClaimRepo(pool),
		balances:     repository.NewBalanceRepo(pool),
		transactions: repository.NewTransactionRepo(pool),
		mining:       repository.NewMiningRepo(pool),
		withdrawals:  repository.NewWithdrawalRepo(pool),
		drift:        repository.NewReconcileRepo(pool),
		relay:        enqueue,
		health:       pool,
		ops:          relay.NewOps(riverClient),
	}

	closeLimiter := func() {}
	switch cfg.RateLimit.Driver {
	case config.DriverPostgres:
		pg := ratelimit.NewPostgres(pool, logger)
		s.limiter = pg
		s.sweeper = pg
	default:
		mem := ratelimit.NewMemory(cfg.RateLimit.SweepInterval)
		s.limiter = mem
		closeLimiter = mem.Close
	}

	var stopRiver context.CancelFunc
	s.start = func(ctx context.Context) error {
		riverCtx, cancel := context.WithCancel(ctx)
		stopRiver = cancel
		return riverClient.Start(riverCtx)
	}
	s.close = func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := riverClient.Stop(stopCtx); err != nil {
			logger.Warn("river stop", "error", err)
		}
		if stopRiver != nil {
			stopRiver()
		}
		closeLimiter()
		pool.Close()
	}
	return s, nil
}
