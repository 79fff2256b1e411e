package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/clawtask/backend/internal/middleware"
	"github.com/clawtask/backend/internal/mining"
	"github.com/clawtask/backend/internal/models"
)

type MiningService interface {
	Tasks(ctx context.Context, agentID uuid.UUID) ([]mining.TaskInfo, error)
	ClaimTask(ctx context.Context, agentID uuid.UUID, action string) (*mining.CheckInResult, error)
	GetStats(ctx context.Context) (*models.MiningStats, error)
}

// MiningHandler serves /api/v1/mining/tasks.
type MiningHandler struct {
	Mining MiningService
	Logger *slog.Logger
}

// ListTasks handles GET /api/v1/mining/tasks.
func (h *MiningHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromCtx(r.Context())
	if agent == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	log := loggerOr(h.Logger)
	tasks, err := h.Mining.Tasks(r.Context(), agent.ID)
	if err != nil {
		fail(w, log, "mining tasks", err)
		return
	}
	stats, err := h.Mining.GetStats(r.Context())
	if err != nil {
		fail(w, log, "mining stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "stats": stats})
}

type miningTaskRequest struct {
	Task string `json:"task"`
}

type miningTaskResponse struct {
	*mining.CheckInResult
	Message string `json:"message"`
}

// ClaimTask handles POST /api/v1/mining/tasks.
func (h *MiningHandler) ClaimTask(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromCtx(r.Context())
	if agent == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	var req miningTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON")
		return
	}
	res, err := h.Mining.ClaimTask(r.Context(), agent.ID, req.Task)
	if err != nil {
		fail(w, loggerOr(h.Logger), "mining claim", err)
		return
	}
	writeJSON(w, http.StatusOK, miningTaskResponse{
		CheckInResult: res,
		Message:       "Mining reward: +" + res.Reward.String() + " " + res.Token + " for " + res.Action,
	})
}
