package memstore

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/models"
)

type ReconcileRepo struct{ s *Store }

func (r *ReconcileRepo) MiningDrift(ctx context.Context) ([]models.Drift, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sums := make(map[uuid.UUID]decimal.Decimal)
	for _, t := range r.s.transactions {
		if models.IsPlatformToken(t.TokenSymbol) {
			sums[t.AgentID] = sums[t.AgentID].Add(t.Amount)
		}
	}
	var out []models.Drift
	for id, a := range r.s.agents {
		if !a.MiningBalance.Equal(sums[id]) {
			out = append(out, models.Drift{Kind: models.DriftMiningBalance, OwnerID: id, Token: models.PlatformTokenSymbol, Recorded: a.MiningBalance, Expected: sums[id]})
		}
	}
	return out, nil
}

func (r *ReconcileRepo) TokenDrift(ctx context.Context) ([]models.Drift, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sums := make(map[balanceKey]decimal.Decimal)
	for _, t := range r.s.transactions {
		if !models.IsPlatformToken(t.TokenSymbol) {
			key := balanceKey{agentID: t.AgentID, address: t.TokenAddress}
			sums[key] = sums[key].Add(t.Amount)
		}
	}
	var out []models.Drift
	for key, b := range r.s.balances {
		if !b.Balance.Equal(sums[key]) {
			out = append(out, models.Drift{Kind: models.DriftTokenBalance, OwnerID: key.agentID, Token: key.address, Recorded: b.Balance, Expected: sums[key]})
		}
	}
	return out, nil
}

func (r *ReconcileRepo) CampaignDrift(ctx context.Context) ([]models.Drift, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	paid := make(map[uuid.UUID]decimal.Decimal)
	for _, c := range r.s.claims {
		if c.Status != models.ClaimStatusApproved || c.RewardPaid == nil {
			continue
		}
		if t, ok := r.s.tasks[c.TaskID]; ok {
			paid[t.CampaignID] = paid[t.CampaignID].Add(*c.RewardPaid)
		}
	}
	var out []models.Drift
	for id, c := range r.s.campaigns {
		if d := c.Distributed(); !d.Equal(paid[id]) {
			out = append(out, models.Drift{Kind: models.DriftCampaignBudget, OwnerID: id, Token: c.TokenSymbol, Recorded: d, Expected: paid[id]})
		}
	}
	return out, nil
}
