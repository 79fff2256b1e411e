// Package reconcile verifies that every stored balance equals the sum of the
// ledger entries behind it and that campaign budgets match the rewards paid.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clawtask/backend/internal/metrics"
	"github.com/clawtask/backend/internal/models"
)

type DriftSource interface {
	MiningDrift(ctx context.Context) ([]models.Drift, error)
	TokenDrift(ctx context.Context) ([]models.Drift, error)
	CampaignDrift(ctx context.Context) ([]models.Drift, error)
}

type Report struct {
	CheckedAt time.Time      `json:"checked_at"`
	Drifts    []models.Drift `json:"drifts"`
}

type Checker struct {
	source DriftSource
	log    *slog.Logger
}

func NewChecker(source DriftSource, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{source: source, log: log}
}

// Run collects every drift, logs each one at ERROR and publishes the count.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	report := &Report{CheckedAt: time.Now().UTC(), Drifts: []models.Drift{}}
	checks := []struct {
		name string
		fn   func(context.Context) ([]models.Drift, error)
	}{
		{models.DriftMiningBalance, c.source.MiningDrift},
		{models.DriftTokenBalance, c.source.TokenDrift},
		{models.DriftCampaignBudget, c.source.CampaignDrift},
	}
	for _, check := range checks {
		drifts, err := check.fn(ctx)
		if err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", check.name, err)
		}
		report.Drifts = append(report.Drifts, drifts...)
	}

	for _, d := range report.Drifts {
		c.log.Error("ledger drift", "kind", d.Kind, "owner_id", d.OwnerID, "token", d.Token,
			"recorded", d.Recorded.String(), "expected", d.Expected.String())
	}
	metrics.LedgerDriftAccounts.Set(float64(len(report.Drifts)))
	if len(report.Drifts) == 0 {
		c.log.Info("ledger reconciled", "checked_at", report.CheckedAt)
	}
	return report, nil
}

// Sweeper drops expired state, such as rate limit windows.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Scheduler runs the checker, and optionally a sweeper, on cron schedules
// with a seconds field.
type Scheduler struct {
	cron    *cron.Cron
	checker *Checker
	sweeper Sweeper
	log     *slog.Logger
}

func NewScheduler(checker *Checker, sweeper Sweeper, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		checker: checker,
		sweeper: sweeper,
		log:     log,
	}
}

func (s *Scheduler) Start(reconcileSpec, sweepSpec string) error {
	if _, err := s.cron.AddFunc(reconcileSpec, s.reconcile); err != nil {
		return fmt.Errorf("schedule reconcile %q: %w", reconcileSpec, err)
	}
	if s.sweeper != nil && sweepSpec != "" {
		if _, err := s.cron.AddFunc(sweepSpec, s.sweep); err != nil {
			return fmt.Errorf("schedule sweep %q: %w", sweepSpec, err)
		}
	}
	s.cron.Start()
	s.log.Info("reconciliation scheduler started", "schedule", reconcileSpec)
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("reconciliation scheduler stopped")
}

func (s *Scheduler) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := s.checker.Run(ctx); err != nil {
		s.log.Error("reconciliation failed", "error", err)
	}
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.log.Warn("sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Debug("swept expired entries", "count", n)
	}
}
