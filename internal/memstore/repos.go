package memstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/models"
	"github.com/clawtask/backend/internal/repository"
)

func (s *Store) Agents() *AgentRepo               { return &AgentRepo{s: s} }
func (s *Store) Campaigns() *CampaignRepo         { return &CampaignRepo{s: s} }
func (s *Store) Tasks() *TaskRepo                 { return &TaskRepo{s: s} }
func (s *Store) Claims() *ClaimRepo               { return &ClaimRepo{s: s} }
func (s *Store) Balances() *BalanceRepo           { return &BalanceRepo{s: s} }
func (s *Store) TransactionLog() *TransactionRepo { return &TransactionRepo{s: s} }
func (s *Store) Mining() *MiningRepo              { return &MiningRepo{s: s} }
func (s *Store) WithdrawalLog() *WithdrawalRepo   { return &WithdrawalRepo{s: s} }
func (s *Store) Reconcile() *ReconcileRepo        { return &ReconcileRepo{s: s} }

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

type AgentRepo struct{ s *Store }

func (r *AgentRepo) CreateTx(ctx context.Context, tx pgx.Tx, a *models.Agent) error {
	mt, err := r.s.tx(tx)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.agents {
		if existing.Name == a.Name || existing.APIKeyHash == a.APIKeyHash {
			return repository.ErrDuplicate
		}
	}
	a.MiningBalance = decimal.Zero
	a.CreatedAt = now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	r.s.agents[a.ID] = &cp
	mt.undo = append(mt.undo, func() { delete(r.s.agents, a.ID) })
	return nil
}

func (r *AgentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.agents[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *AgentRepo) GetByAPIKeyHash(ctx context.Context, hash string) (*models.Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.agents {
		if a.APIKeyHash == hash {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetByIDForUpdate needs no row lock: the transaction already excludes all others.
func (r *AgentRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Agent, error) {
	if _, err := r.s.tx(tx); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *AgentRepo) SetWallet(ctx context.Context, id uuid.UUID, address string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.agents[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.WalletAddress = address
	a.UpdatedAt = now()
	return nil
}

func (r *AgentRepo) AddMiningBalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	mt, err := r.s.tx(tx)
	if err != nil {
		return decimal.Zero, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.agents[id]
	if !ok {
		return decimal.Zero, repository.ErrNotFound
	}
	prev := a.MiningBalance
	a.MiningBalance = prev.Add(amount)
	mt.undo = append(mt.undo, func() { a.MiningBalance = prev })
	return a.MiningBalance, nil
}

func (r *AgentRepo) DeductMiningBalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	mt, err := r.s.tx(tx)
	if err != nil {
		return decimal.Zero, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.agents[id]
	if !ok || a.MiningBalance.LessThan(amount) {
		return decimal.Zero, repository.ErrInsufficientFunds
	}
	prev := a.MiningBalance
	a.MiningBalance = prev.Sub(amount)
	mt.undo = append(mt.undo, func() { a.MiningBalance = prev })
	return a.MiningBalance, nil
}

// ---------------------------------------------------------------------------
// Campaigns
// ---------------------------------------------------------------------------

type CampaignRepo struct{ s *Store }

func (r *CampaignRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *CampaignRepo) DebitRemainingTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	mt, err := r.s.tx(tx)
	if err != nil {
		return decimal.Zero, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return decimal.Zero, repository.ErrNotFound
	}
	if c.RemainingAmount.LessThan(amount) {
		return decimal.Zero, repository.ErrInsufficientFunds
	}
	prev := c.RemainingAmount
	c.RemainingAmount = prev.Sub(amount)
	mt.undo = append(mt.undo, func() { c.RemainingAmount = prev })
	return c.RemainingAmount, nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

type TaskRepo struct{ s *Store }

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *TaskRepo) GetByIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	if _, err := r.s.tx(tx); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *TaskRepo) ListByCampaign(ctx context.Context, campaignID uuid.UUID, status string, limit int) ([]*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Task
	for _, t := range r.s.tasks {
		if t.CampaignID != campaignID || (status != "" && t.Status != status) {
			continue
		}
		cp := *t
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Reward.Equal(list[j].Reward) {
			return list[i].Reward.GreaterThan(list[j].Reward)
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *TaskRepo) IncrementClaimCountTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	mt, err := r.s.tx(tx)
	if err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok || t.Status != models.TaskStatusOpen || t.ClaimCount >= t.MaxClaims {
		return nil, repository.ErrConditionFailed
	}
	prevCount, prevStatus := t.ClaimCount, t.Status
	t.ClaimCount++
	if t.ClaimCount >= t.MaxClaims {
		t.Status = models.TaskStatusFull
	}
	mt.undo = append(mt.undo, func() { t.ClaimCount, t.Status = prevCount, prevStatus })
	cp := *t
	return &cp, nil
}

// ---------------------------------------------------------------------------
// Claims
// ---------------------------------------------------------------------------

type ClaimRepo struct{ s *Store }

func (r *ClaimRepo) CreateTx(ctx context.Context, tx pgx.Tx, c *models.TaskClaim) error {
	mt, err := r.s.tx(tx)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.claims {
		if existing.TaskID == c.TaskID && existing.AgentID == c.AgentID && existing.Status == models.ClaimStatusClaimed {
			return repository.ErrDuplicate
		}
	}
	c.ClaimedAt = now()
	cp := *c
	r.s.claims[c.ID] = &cp
	r.s.claimOrder = append(r.s.claimOrder, c.ID)
	n := len(r.s.claimOrder)
	mt.undo = append(mt.undo, func() {
		delete(r.s.claims, c.ID)
		r.s.claimOrder = r.s.claimOrder[:n-1]
	})
	return nil
}

func (r *ClaimRepo) HasActiveTx(ctx context.Context, tx pgx.Tx, agentID, taskID uuid.UUID) (bool, error) {
	if _, err := r.s.tx(tx); err != nil {
		return false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.claims {
		if c.AgentID == agentID && c.TaskID == taskID && c.Status == models.ClaimStatusClaimed {
			return true, nil
		}
	}
	return false, nil
}

func (r *ClaimRepo) CountInFlightTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (int, error) {
	if _, err := r.s.tx(tx); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, c := range r.s.claims {
		if c.AgentID == agentID && c.Status == models.ClaimStatusClaimed {
			n++
		}
	}
	return n, nil
}

func (r *ClaimRepo) GetActive(ctx context.Context, claimID, agentID uuid.UUID) (*models.TaskClaim, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.claims[claimID]
	if !ok || c.AgentID != agentID || c.Status != models.ClaimStatusClaimed {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *ClaimRepo) ApproveTx(ctx context.Context, tx pgx.Tx, p repository.ApproveParams) error {
	mt, err := r.s.tx(tx)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.claims[p.ClaimID]
	if !ok || c.AgentID != p.AgentID || c.Status != models.ClaimStatusClaimed {
		return repository.ErrConditionFailed
	}
	prev := *c
	ts := now()
	score := p.Score
	reward := p.RewardPaid
	c.Status = models.ClaimStatusApproved
	c.Submission = p.Submission
	c.Score = &score
	c.RewardPaid = &reward
	c.SubmittedAt = &ts
	c.ReviewedAt = &ts
	mt.undo = append(mt.undo, func() { *c = prev })
	return nil
}

func (r *ClaimRepo) ListByAgent(ctx context.Context, agentID uuid.UUID, status string, limit int) ([]*models.ClaimSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.ClaimSummary
	for i := len(r.s.claimOrder) - 1; i >= 0; i-- {
		c := r.s.claims[r.s.claimOrder[i]]
		if c.AgentID != agentID || (status != "" && c.Status != status) {
			continue
		}
		s := &models.ClaimSummary{TaskClaim: *c}
		if t, ok := r.s.tasks[c.TaskID]; ok {
			s.TaskTitle, s.TaskType, s.Difficulty, s.Reward = t.Title, t.TaskType, t.Difficulty, t.Reward
			if p, ok := r.s.campaigns[t.CampaignID]; ok {
				s.CampaignID, s.CampaignName, s.TokenSymbol = p.ID, p.Name, p.TokenSymbol
			}
		}
		list = append(list, s)
		if limit > 0 && len(list) == limit {
			break
		}
	}
	return list, nil
}

// ---------------------------------------------------------------------------
// Token balances
// ---------------------------------------------------------------------------

type BalanceRepo struct{ s *Store }

func (r *BalanceRepo) CreditTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, symbol, address string, amount decimal.Decimal) (decimal.Decimal, error) {
	mt, err := r.s.tx(tx)
	if err != nil {
		return decimal.Zero, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := balanceKey{agentID: agentID, address: address}
	b, ok := r.s.balances[key]
	if !ok {
		b = &models.TokenBalance{AgentID: agentID, TokenSymbol: symbol, TokenAddress: address, Balance: decimal.Zero}
		r.s.balances[key] = b
		mt.undo = append(mt.undo, func() { delete(r.s.balances, key) })
	}
	prev := b.Balance
	b.Balance = prev.Add(amount)
	b.UpdatedAt = now()
	mt.undo = append(mt.undo, func() { b.Balance = prev })
	return b.Balance, nil
}

func (r *BalanceRepo) DebitTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, address string, amount decimal.Decimal) (decimal.Decimal, error) {
	mt, err := r.s.tx(tx)
	if err != nil {
		return decimal.Zero, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.balances[balanceKey{agentID: agentID, address: address}]
	if !ok || b.Balance.LessThan(amount) {
		return decimal.Zero, repository.ErrInsufficientFunds
	}
	prev := b.Balance
	b.Balance = prev.Sub(amount)
	mt.undo = append(mt.undo, func() { b.Balance = prev })
	return b.Balance, nil
}

func (r *BalanceRepo) GetBySymbolTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, symbol string) (*models.TokenBalance, error) {
	if _, err := r.s.tx(tx); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *models.TokenBalance
	for _, b := range r.s.balances {
		if b.AgentID != agentID || !strings.EqualFold(b.TokenSymbol, symbol) {
			continue
		}
		if best == nil || b.Balance.GreaterThan(best.Balance) {
			best = b
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *BalanceRepo) ListByAgent(ctx context.Context, agentID uuid.UUID) ([]*models.TokenBalance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.TokenBalance
	for _, b := range r.s.balances {
		if b.AgentID == agentID && b.Balance.IsPositive() {
			cp := *b
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Balance.GreaterThan(list[j].Balance) })
	return list, nil
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

type TransactionRepo struct{ s *Store }

func (r *TransactionRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	mt, err := r.s.tx(tx)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t.CreatedAt = now()
	cp := *t
	n := len(r.s.transactions)
	r.s.transactions = append(r.s.transactions, &cp)
	mt.undo = append(mt.undo, func() { r.s.transactions = r.s.transactions[:n] })
	return nil
}

func (r *TransactionRepo) ListByAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]*models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Transaction
	for i := len(r.s.transactions) - 1; i >= 0; i-- {
		t := r.s.transactions[i]
		if t.AgentID != agentID {
			continue
		}
		cp := *t
		list = append(list, &cp)
		if limit > 0 && len(list) == limit {
			break
		}
	}
	return list, nil
}

// ---------------------------------------------------------------------------
// Mining
// ---------------------------------------------------------------------------

type MiningRepo struct{ s *Store }

func (r *MiningRepo) AddReleasedTx(ctx context.Context, tx pgx.Tx, amount decimal.Decimal) error {
	mt, err := r.s.tx(tx)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	prev := r.s.stats
	r.s.stats.TotalReleased = prev.TotalReleased.Add(amount)
	r.s.stats.UpdatedAt = now()
	mt.undo = append(mt.undo, func() { r.s.stats = prev })
	return nil
}

func (r *MiningRepo) RecordCheckInTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, day time.Time) error {
	mt, err := r.s.tx(tx)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := checkinKey{agentID: agentID, day: day.UTC().Format(time.DateOnly)}
	if _, ok := r.s.checkins[key]; ok {
		return repository.ErrDuplicate
	}
	r.s.checkins[key] = struct{}{}
	mt.undo = append(mt.undo, func() { delete(r.s.checkins, key) })
	return nil
}

func (r *MiningRepo) HasCheckedIn(ctx context.Context, agentID uuid.UUID, day time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.checkins[checkinKey{agentID: agentID, day: day.UTC().Format(time.DateOnly)}]
	return ok, nil
}

func (r *MiningRepo) GetStats(ctx context.Context) (*models.MiningStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := r.s.stats
	return &cp, nil
}

// ---------------------------------------------------------------------------
// Withdrawals
// ---------------------------------------------------------------------------

type WithdrawalRepo struct{ s *Store }

func (r *WithdrawalRepo) CreateTx(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error {
	mt, err := r.s.tx(tx)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w.CreatedAt = now()
	cp := *w
	r.s.withdrawals[w.ID] = &cp
	mt.undo = append(mt.undo, func() { delete(r.s.withdrawals, w.ID) })
	return nil
}
