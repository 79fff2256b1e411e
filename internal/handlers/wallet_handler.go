package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/agents"
	"github.com/clawtask/backend/internal/middleware"
	"github.com/clawtask/backend/internal/models"
	"github.com/clawtask/backend/internal/withdraw"
)

// MaxHistoryLimit caps GET /wallet?action=history.
const MaxHistoryLimit = 50

type ProfileReader interface {
	Profile(ctx context.Context, id uuid.UUID) (*agents.Profile, error)
}

type TransactionLister interface {
	ListByAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]*models.Transaction, error)
}

type Withdrawer interface {
	Withdraw(ctx context.Context, req withdraw.Request) (*withdraw.Result, error)
}

// WalletHandler serves /api/v1/wallet.
type WalletHandler struct {
	Profiles     ProfileReader
	Transactions TransactionLister
	Withdrawals  Withdrawer
	Logger       *slog.Logger
}

type balancesResponse struct {
	AVTBalance    decimal.Decimal        `json:"avt_balance"`
	TokenBalances []*models.TokenBalance `json:"token_balances"`
}

// Get handles GET /api/v1/wallet?action=balances|history.
func (h *WalletHandler) Get(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromCtx(r.Context())
	if agent == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	log := loggerOr(h.Logger)

	switch action := r.URL.Query().Get("action"); action {
	case "", "balances":
		profile, err := h.Profiles.Profile(r.Context(), agent.ID)
		if err != nil {
			fail(w, log, "wallet balances", err)
			return
		}
		writeJSON(w, http.StatusOK, balancesResponse{
			AVTBalance:    profile.MiningBalance,
			TokenBalances: profile.TokenBalances,
		})
	case "history":
		txs, err := h.Transactions.ListByAgent(r.Context(), agent.ID, queryLimit(r, 20, MaxHistoryLimit))
		if err != nil {
			fail(w, log, "wallet history", err)
			return
		}
		if txs == nil {
			txs = []*models.Transaction{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
	default:
		writeError(w, http.StatusBadRequest, "INVALID_ACTION", "Invalid action. Use 'balances' or 'history'")
	}
}

type withdrawRequest struct {
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
	To     string          `json:"to"`
}

type withdrawResponse struct {
	*withdraw.Result
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Withdraw handles POST /api/v1/wallet/withdraw. The transfer is relayed
// after the response; the ledger debit is final once this returns 202.
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromCtx(r.Context())
	if agent == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON")
		return
	}
	res, err := h.Withdrawals.Withdraw(r.Context(), withdraw.Request{
		AgentID:     agent.ID,
		TokenSymbol: req.Token,
		Amount:      req.Amount,
		ToAddress:   req.To,
	})
	if err != nil {
		fail(w, loggerOr(h.Logger), "withdraw", err)
		return
	}
	wd := res.Withdrawal
	writeJSON(w, http.StatusAccepted, withdrawResponse{
		Result:  res,
		Status:  wd.Status,
		Message: "Withdrawal of " + wd.Amount.String() + " " + wd.TokenSymbol + " to " + wd.ToAddress + " is being processed.",
	})
}
