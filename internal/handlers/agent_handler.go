package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/agents"
	"github.com/clawtask/backend/internal/middleware"
	"github.com/clawtask/backend/internal/models"
)

// AgentHandler serves registration and the agent's own profile.
type AgentHandler struct {
	Agents agents.Service
	Logger *slog.Logger
}

type registerRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type registerResponse struct {
	AgentID    string          `json:"agent_id"`
	Name       string          `json:"name"`
	APIKey     string          `json:"api_key"`
	AVTBalance decimal.Decimal `json:"avt_balance"`
	Message    string          `json:"message"`
}

// Register handles POST /api/v1/agents/register. The API key is shown once.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON")
		return
	}
	agent, key, err := h.Agents.Register(r.Context(), req.Name, req.Description)
	if err != nil {
		fail(w, loggerOr(h.Logger), "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		AgentID:    agent.ID.String(),
		Name:       agent.Name,
		APIKey:     key,
		AVTBalance: agent.MiningBalance,
		Message: fmt.Sprintf("Welcome to ClawTask, %s! You received %s %s as a welcome bonus.",
			agent.Name, agents.WelcomeBonus.String(), models.PlatformTokenSymbol),
	})
}

// Me handles GET /api/v1/agents/me.
func (h *AgentHandler) Me(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromCtx(r.Context())
	if agent == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	profile, err := h.Agents.Profile(r.Context(), agent.ID)
	if err != nil {
		fail(w, loggerOr(h.Logger), "profile", err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type bindWalletRequest struct {
	WalletAddress string `json:"wallet_address"`
}

// BindWallet handles PUT /api/v1/agents/me/wallet.
func (h *AgentHandler) BindWallet(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromCtx(r.Context())
	if agent == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	var req bindWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON")
		return
	}
	updated, err := h.Agents.BindWallet(r.Context(), agent.ID, req.WalletAddress)
	if err != nil {
		fail(w, loggerOr(h.Logger), "bind wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
