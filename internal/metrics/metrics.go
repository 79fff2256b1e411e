package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ----------------------------------------------------------------
	// Claims and submissions
	// ----------------------------------------------------------------
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawtask_claims_total",
			Help: "Claim attempts by result (ok or the rejection code)",
		},
		[]string{"result"},
	)

	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawtask_submissions_total",
			Help: "Verified submissions by outcome (approved, rejected)",
		},
		[]string{"outcome"},
	)

	SubmissionScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clawtask_submission_score",
		Help:    "Verifier score of submissions",
		Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// ----------------------------------------------------------------
	// Settlement
	// ----------------------------------------------------------------
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawtask_settlements_total",
			Help: "Settlement attempts by result",
		},
		[]string{"result"},
	)

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clawtask_settlement_duration_seconds",
		Help:    "Time spent in the settlement transaction including retries",
		Buckets: prometheus.DefBuckets,
	})

	StorageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawtask_storage_retries_total",
			Help: "Transactions retried after a serialization failure or deadlock",
		},
		[]string{"op"},
	)

	MiningReleasedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawtask_mining_released_total",
			Help: "Platform tokens credited by mining action",
		},
		[]string{"action"},
	)

	// ----------------------------------------------------------------
	// Relay, rate limiting, reconciliation, events
	// ----------------------------------------------------------------
	RelayJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawtask_relay_jobs_total",
			Help: "On-chain relay job outcomes",
		},
		[]string{"result"},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawtask_rate_limited_total",
			Help: "Requests denied by the rate limiter",
		},
		[]string{"rule"},
	)

	LedgerDriftAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clawtask_ledger_drift_accounts",
		Help: "Balances that disagree with their transactions at the last reconciliation",
	})

	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clawtask_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawtask_events_published_total",
			Help: "Activity events published by type and result",
		},
		[]string{"type", "result"},
	)
)
