package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/clawtask/backend/internal/middleware"
	"github.com/clawtask/backend/internal/relay"
)

type RelayOps interface {
	Failed(ctx context.Context, limit int) ([]relay.FailedJob, error)
	Retry(ctx context.Context, id int64) (*relay.FailedJob, error)
}

// OpsHandler lets operators inspect and retry relay jobs that gave up.
type OpsHandler struct {
	Relay  RelayOps
	Logger *slog.Logger
}

// FailedRelays handles GET /api/v1/ops/relay/failed.
func (h *OpsHandler) FailedRelays(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Relay.Failed(r.Context(), queryLimit(r, 50, 500))
	if err != nil {
		fail(w, loggerOr(h.Logger), "list failed relays", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// RetryRelay handles POST /api/v1/ops/relay/{id}/retry.
func (h *OpsHandler) RetryRelay(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid job id")
		return
	}
	log := loggerOr(h.Logger)
	job, err := h.Relay.Retry(r.Context(), id)
	if err != nil {
		fail(w, log, "retry relay", err)
		return
	}
	operator := ""
	if op := middleware.OperatorFromCtx(r.Context()); op != nil {
		operator = op.Subject
	}
	log.Info("relay job retried", "job_id", id, "operator", operator, "intent", job.Args.IntentKey)
	writeJSON(w, http.StatusOK, job)
}
