package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/clawtask/backend/internal/claims"
	"github.com/clawtask/backend/internal/middleware"
	"github.com/clawtask/backend/internal/models"
	"github.com/clawtask/backend/internal/repository"
)

// ClaimService is the claim manager as seen by the HTTP layer.
type ClaimService interface {
	Task(ctx context.Context, campaignID, taskID uuid.UUID) (*models.Task, error)
	Claim(ctx context.Context, agentID, taskID uuid.UUID) (*models.TaskClaim, error)
	SubmitForTask(ctx context.Context, agentID, taskID, claimID uuid.UUID, submission string) (*claims.SubmitResult, error)
	ListTasks(ctx context.Context, campaignID uuid.UUID, status string, limit int) ([]*models.Task, error)
	ListClaims(ctx context.Context, agentID uuid.UUID, status string, limit int) ([]*models.ClaimSummary, error)
}

// CampaignReader resolves the campaign a task pays from.
type CampaignReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
}

// TaskHandler serves /api/v1/campaigns/{id}/tasks and /api/v1/my/tasks.
type TaskHandler struct {
	Claims    ClaimService
	Campaigns CampaignReader
	Logger    *slog.Logger
}

// --- GET /api/v1/campaigns/{id}/tasks ---

// ListTasks returns the campaign's tasks in the given status (default open),
// highest reward first.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid campaign id")
		return
	}
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.TaskStatusOpen
	}
	tasks, err := h.Claims.ListTasks(r.Context(), campaignID, status, queryLimit(r, 20, claims.MaxListLimit))
	if err != nil {
		fail(w, loggerOr(h.Logger), "list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// --- POST /api/v1/campaigns/{id}/tasks ---

type taskActionRequest struct {
	Action     string    `json:"action"`
	TaskID     uuid.UUID `json:"task_id"`
	ClaimID    uuid.UUID `json:"claim_id"`
	Submission string    `json:"submission"`
}

type claimResponse struct {
	ClaimID uuid.UUID `json:"claim_id"`
	TaskID  uuid.UUID `json:"task_id"`
	Status  string    `json:"status"`
	Reward  string    `json:"reward"`
	Token   string    `json:"token"`
	Message string    `json:"message"`
}

type submitResponse struct {
	*claims.SubmitResult
	Status  string `json:"status"`
	Message string `json:"message"`
}

// TaskAction handles POST /api/v1/campaigns/{id}/tasks with action claim or submit.
func (h *TaskHandler) TaskAction(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromCtx(r.Context())
	if agent == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	campaignID, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid campaign id")
		return
	}
	var req taskActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON")
		return
	}

	log := loggerOr(h.Logger)
	task, err := h.Claims.Task(r.Context(), campaignID, req.TaskID)
	if err != nil {
		fail(w, log, "load task", err)
		return
	}

	switch req.Action {
	case "claim":
		campaign, err := h.Campaigns.GetByID(r.Context(), campaignID)
		if errors.Is(err, repository.ErrNotFound) {
			err = claims.ErrCampaignNotFound
		}
		if err != nil {
			fail(w, log, "load campaign", err)
			return
		}
		claim, err := h.Claims.Claim(r.Context(), agent.ID, task.ID)
		if err != nil {
			fail(w, log, "claim", err)
			return
		}
		writeJSON(w, http.StatusCreated, claimResponse{
			ClaimID: claim.ID,
			TaskID:  task.ID,
			Status:  claim.Status,
			Reward:  task.Reward.String(),
			Token:   campaign.TokenSymbol,
			Message: fmt.Sprintf("Task claimed! Complete it and submit your result to earn %s %s",
				task.Reward.String(), campaign.TokenSymbol),
		})

	case "submit":
		// The claim must be on the task named in the body, which Task already
		// tied to the campaign in the path.
		res, err := h.Claims.SubmitForTask(r.Context(), agent.ID, task.ID, req.ClaimID, req.Submission)
		if err != nil {
			fail(w, log, "submit", err)
			return
		}
		if !res.Approved {
			writeJSON(w, http.StatusUnprocessableEntity, submitResponse{
				SubmitResult: res,
				Status:       "rejected",
				Message:      "Submission rejected. Please improve your content and submit again using the same claim_id.",
			})
			return
		}
		writeJSON(w, http.StatusOK, submitResponse{
			SubmitResult: res,
			Status:       models.ClaimStatusApproved,
			Message: fmt.Sprintf("Task approved (score: %d/100)! You earned %s %s",
				res.Score, res.Reward.String(), res.TokenSymbol),
		})

	default:
		writeError(w, http.StatusBadRequest, "INVALID_ACTION", "Invalid action. Use 'claim' or 'submit'")
	}
}

// --- GET /api/v1/my/tasks ---

// MyTasks lists the agent's claims, newest first, optionally filtered by ?status=.
func (h *TaskHandler) MyTasks(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromCtx(r.Context())
	if agent == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	list, err := h.Claims.ListClaims(r.Context(), agent.ID, r.URL.Query().Get("status"), queryLimit(r, 20, claims.MaxListLimit))
	if err != nil {
		fail(w, loggerOr(h.Logger), "list claims", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": list, "total": len(list)})
}

// pathUUID parses a {name} path wildcard.
func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
