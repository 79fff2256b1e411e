package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/clawtask/backend/internal/agents"
	"github.com/clawtask/backend/internal/claims"
	"github.com/clawtask/backend/internal/mining"
	"github.com/clawtask/backend/internal/relay"
	"github.com/clawtask/backend/internal/settlement"
	"github.com/clawtask/backend/internal/withdraw"
)

// apiError is the body of every error response.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorTable maps domain sentinels to a status and a stable code. Order
// matters only for aliased sentinels; the first match wins.
var errorTable = []errorMapping{
	{claims.ErrTaskNotFound, http.StatusNotFound, "TASK_NOT_FOUND"},
	{claims.ErrTaskNotOpen, http.StatusConflict, "TASK_NOT_OPEN"},
	{claims.ErrTaskFull, http.StatusConflict, "TASK_FULL"},
	{claims.ErrDuplicateClaim, http.StatusConflict, "DUPLICATE_CLAIM"},
	{claims.ErrTooManyInFlight, http.StatusConflict, "TOO_MANY_IN_FLIGHT"},
	{settlement.ErrClaimNotFound, http.StatusNotFound, "CLAIM_NOT_FOUND"},
	{settlement.ErrCampaignNotFound, http.StatusNotFound, "CAMPAIGN_NOT_FOUND"},
	{settlement.ErrInsufficientCampaignBudget, http.StatusConflict, "INSUFFICIENT_CAMPAIGN_BUDGET"},
	{settlement.ErrAgentNotFound, http.StatusNotFound, "AGENT_NOT_FOUND"},

	{agents.ErrInvalidName, http.StatusBadRequest, "INVALID_NAME"},
	{agents.ErrNameTaken, http.StatusConflict, "NAME_TAKEN"},
	{agents.ErrInvalidWallet, http.StatusBadRequest, "INVALID_WALLET"},
	{agents.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
	{agents.ErrNotFound, http.StatusNotFound, "AGENT_NOT_FOUND"},

	{mining.ErrUnknownAction, http.StatusBadRequest, "UNKNOWN_MINING_TASK"},
	{mining.ErrNotClaimable, http.StatusBadRequest, "MINING_TASK_NOT_CLAIMABLE"},
	{mining.ErrAlreadyCheckedIn, http.StatusTooManyRequests, "ALREADY_CHECKED_IN"},
	{mining.ErrAgentNotFound, http.StatusNotFound, "AGENT_NOT_FOUND"},

	{withdraw.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT"},
	{withdraw.ErrInvalidWallet, http.StatusBadRequest, "INVALID_WALLET"},
	{withdraw.ErrInsufficientBalance, http.StatusConflict, "INSUFFICIENT_BALANCE"},
	{withdraw.ErrUnknownToken, http.StatusBadRequest, "UNKNOWN_TOKEN"},
	{withdraw.ErrAgentNotFound, http.StatusNotFound, "AGENT_NOT_FOUND"},

	{relay.ErrJobNotFound, http.StatusNotFound, "JOB_NOT_FOUND"},
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: code})
}

// fail writes the mapped response for a domain error. Anything unmapped is
// logged and reported as a 500 without details.
func fail(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			writeError(w, m.status, m.code, m.err.Error())
			return
		}
	}
	log.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

// queryLimit parses ?limit= with a default and a cap.
func queryLimit(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
