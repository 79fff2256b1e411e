package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/clawtask/backend/internal/agents"
	"github.com/clawtask/backend/internal/models"
)

type contextKey string

const (
	ctxAgentKey    contextKey = "agent"
	ctxOperatorKey contextKey = "operator"
)

// Authenticator resolves an API key to its agent. agents.Service satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*models.Agent, error)
}

// APIKeyAuth authenticates requests by their "Authorization: Bearer avt_..."
// header and puts the agent into the request context.
func APIKeyAuth(authn Authenticator, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				deny(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized: Invalid or missing API key")
				return
			}
			agent, err := authn.Authenticate(r.Context(), raw)
			if err != nil {
				if !errors.Is(err, agents.ErrUnauthorized) {
					log.Error("authenticate agent", "error", err)
					deny(w, http.StatusInternalServerError, "INTERNAL", "internal error")
					return
				}
				deny(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized: Invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agent)))
		})
	}
}

// AgentFromCtx returns the authenticated agent, or nil.
func AgentFromCtx(ctx context.Context) *models.Agent {
	ag, _ := ctx.Value(ctxAgentKey).(*models.Agent)
	return ag
}

// WithAgent returns a context carrying the given agent.
func WithAgent(ctx context.Context, ag *models.Agent) context.Context {
	return context.WithValue(ctx, ctxAgentKey, ag)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func deny(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
