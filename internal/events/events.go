// Package events publishes claim and settlement activity for feeds and
// dashboards. Publishing is best-effort and never blocks the ledger.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/metrics"
)

const (
	TypeTaskClaimed         = "task.claimed"
	TypeSubmissionRejected  = "submission.rejected"
	TypeRewardSettled       = "reward.settled"
	TypeMiningRewarded      = "mining.rewarded"
	TypeWithdrawalRequested = "withdrawal.requested"
	TypeAgentRegistered     = "agent.registered"
)

type Event struct {
	Type        string           `json:"type"`
	AgentID     uuid.UUID        `json:"agent_id"`
	CampaignID  *uuid.UUID       `json:"campaign_id,omitempty"`
	TaskID      *uuid.UUID       `json:"task_id,omitempty"`
	ClaimID     *uuid.UUID       `json:"claim_id,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	TokenSymbol string           `json:"token_symbol,omitempty"`
	Score       *int             `json:"score,omitempty"`
	At          time.Time        `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Discard drops every event. Used when NATS is not configured.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}

// NATS publishes each event to "<prefix>.<type>".
type NATS struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

func ConnectNATS(url, prefix string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("clawtask-api"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)
	return &NATS{conn: conn, prefix: prefix, logger: logger}, nil
}

func (p *NATS) Publish(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshal event", "type", ev.Type, "error", err)
		return
	}
	if err := p.conn.Publish(Subject(p.prefix, ev.Type), data); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(ev.Type, "error").Inc()
		p.logger.Warn("publish event failed", "type", ev.Type, "agent_id", ev.AgentID, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(ev.Type, "ok").Inc()
}

// Close flushes buffered events and closes the connection.
func (p *NATS) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
	metrics.NATSConnectionStatus.Set(0)
}

func Subject(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}
