package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/pflag"

	"github.com/clawtask/backend/internal/agents"
	"github.com/clawtask/backend/internal/auth"
	"github.com/clawtask/backend/internal/claims"
	"github.com/clawtask/backend/internal/config"
	"github.com/clawtask/backend/internal/events"
	"github.com/clawtask/backend/internal/handlers"
	"github.com/clawtask/backend/internal/ledger"
	"github.com/clawtask/backend/internal/mining"
	"github.com/clawtask/backend/internal/reconcile"
	"github.com/clawtask/backend/internal/relay"
	"github.com/clawtask/backend/internal/repository"
	"github.com/clawtask/backend/internal/router"
	"github.com/clawtask/backend/internal/schemas"
	"github.com/clawtask/backend/internal/settlement"
	"github.com/clawtask/backend/internal/verifier"
	"github.com/clawtask/backend/internal/withdraw"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML config file (default $CLAWTASK_CONFIG)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Events
	var pub events.Publisher = events.Discard{}
	if cfg.Events.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		pub = nc
		logger.Info("publishing activity events to NATS", "prefix", cfg.Events.SubjectPrefix)
	}

	// On-chain relay. A nil chain leaves credits in the ledger only.
	var chain relay.Chain
	if cfg.Relay.Enabled {
		eth, err := relay.DialEthChain(ctx, relay.EthConfig{
			RPCURL:            cfg.Relay.RPCURL,
			ChainID:           cfg.Relay.ChainID,
			PrivateKey:        cfg.Relay.PrivateKey,
			MiningPoolAddress: cfg.Relay.MiningPoolAddress,
		})
		if err != nil {
			return err
		}
		defer eth.Close()
		chain = eth
		logger.Info("on-chain relay enabled", "chain_id", cfg.Relay.ChainID)
	}
	relayer := relay.NewRelayer(chain, cfg.Relay.PlatformTokenAddress, logger)

	// Storage
	var st *storage
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		st = openMemory(cfg, relayer, logger)
	default:
		var err error
		if st, err = openPostgres(ctx, cfg, relayer, logger); err != nil {
			return err
		}
	}
	defer st.close()

	// Services
	retry := repository.RetryPolicy{MaxAttempts: cfg.Settlement.MaxAttempts, BaseDelay: cfg.Settlement.BaseDelay}
	ledgerSvc := ledger.NewService(st.agents, st.balances, st.transactions)
	agentSvc := agents.NewService(st.db, st.agents, st.balances, ledgerSvc, pub, logger)
	miningSvc := &mining.Service{
		DB:                   st.db,
		Agents:               st.agents,
		Stats:                st.mining,
		Ledger:               ledgerSvc,
		Relay:                st.relay,
		Events:               pub,
		PlatformTokenAddress: cfg.Relay.PlatformTokenAddress,
		Retry:                retry,
		Logger:               logger,
	}
	engine := &settlement.Engine{
		DB:        st.db,
		Agents:    st.agents,
		Claims:    st.claims,
		Campaigns: st.campaigns,
		Ledger:    ledgerSvc,
		Mining:    miningSvc,
		Relay:     st.relay,
		Events:    pub,
		Retry:     retry,
		Logger:    logger,
	}
	claimMgr := &claims.Manager{
		DB:          st.db,
		Agents:      st.agents,
		Tasks:       st.tasks,
		Claims:      st.claims,
		Campaigns:   st.campaigns,
		Verifier:    verifier.Heuristic{},
		Settlement:  engine,
		Events:      pub,
		MaxInFlight: cfg.Claims.MaxInFlight,
		Retry:       retry,
		Logger:      logger,
	}
	withdrawSvc := &withdraw.Service{
		DB:                   st.db,
		Agents:               st.agents,
		Balances:             st.balances,
		Withdrawals:          st.withdrawals,
		Ledger:               ledgerSvc,
		Relay:                st.relay,
		Events:               pub,
		PlatformTokenAddress: cfg.Relay.PlatformTokenAddress,
		Logger:               logger,
	}

	// HTTP
	deps := router.Deps{
		Agents: &handlers.AgentHandler{Agents: agentSvc, Logger: logger},
		Tasks:  &handlers.TaskHandler{Claims: claimMgr, Campaigns: st.campaigns, Logger: logger},
		Wallet: &handlers.WalletHandler{
			Profiles:     agentSvc,
			Transactions: st.transactions,
			Withdrawals:  withdrawSvc,
			Logger:       logger,
		},
		Mining:  &handlers.MiningHandler{Mining: miningSvc, Logger: logger},
		Health:  handlers.Healthz(st.health),
		Metrics: promhttp.Handler(),
		Authn:   agentSvc,
		Limiter: st.limiter,
		Schemas: schemas.MustNew(),
		Logger:  logger,
	}
	if cfg.Ops.JWTSecret != "" && st.ops != nil {
		deps.Ops = &handlers.OpsHandler{Relay: st.ops, Logger: logger}
		deps.Operators = auth.NewService(cfg.Ops.JWTSecret)
	} else {
		logger.Info("ops endpoints disabled (needs postgres storage and ops.jwt_secret)")
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(router.New(deps))

	// Background work
	if err := st.start(ctx); err != nil {
		return fmt.Errorf("start relay workers: %w", err)
	}
	if cfg.Reconcile.Schedule != "" {
		scheduler := reconcile.NewScheduler(reconcile.NewChecker(st.drift, logger), st.sweeper, logger)
		if err := scheduler.Start(cfg.Reconcile.Schedule, cfg.RateLimit.SweepSchedule); err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	srv := &http.Server{
		Addr:    "0.0.0.0:" + cfg.Server.Port,
		Handler: corsHandler,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", srv.Addr, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
