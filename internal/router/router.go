package router

import (
	"log/slog"
	"net/http"

	"github.com/clawtask/backend/internal/auth"
	"github.com/clawtask/backend/internal/handlers"
	"github.com/clawtask/backend/internal/middleware"
	"github.com/clawtask/backend/internal/ratelimit"
	"github.com/clawtask/backend/internal/schemas"
)

// Deps is everything the API needs. Ops and Operators may be nil, which
// leaves the ops endpoints unregistered. Metrics may be nil.
type Deps struct {
	Agents  *handlers.AgentHandler
	Tasks   *handlers.TaskHandler
	Wallet  *handlers.WalletHandler
	Mining  *handlers.MiningHandler
	Ops     *handlers.OpsHandler
	Health  http.Handler
	Metrics http.Handler

	Authn     middleware.Authenticator
	Operators auth.Service
	Limiter   ratelimit.Limiter
	Schemas   *schemas.Validator
	Logger    *slog.Logger
}

// New returns an http.Handler that serves the API under /api/v1.
// Middleware order: auth -> rate limit -> body schema -> handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	agentAuth := middleware.APIKeyAuth(d.Authn, d.Logger)
	limit := func(rule ratelimit.Rule, subject middleware.SubjectFunc) func(http.Handler) http.Handler {
		return middleware.RateLimit(d.Limiter, rule, subject)
	}
	body := func(schema string) func(http.Handler) http.Handler {
		return middleware.ValidateBody(d.Schemas, schema)
	}
	// agent wraps h for an authenticated agent under rule.
	agent := func(rule ratelimit.Rule, h http.HandlerFunc, extra ...func(http.Handler) http.Handler) http.Handler {
		return chain(h, append([]func(http.Handler) http.Handler{agentAuth, limit(rule, middleware.ByAgent)}, extra...)...)
	}

	mux.Handle("POST "+base+"/agents/register",
		chain(http.HandlerFunc(d.Agents.Register), limit(ratelimit.Register, middleware.ClientIP), body(schemas.Register)))
	mux.Handle("GET "+base+"/agents/me", agent(ratelimit.Me, d.Agents.Me))
	mux.Handle("PUT "+base+"/agents/me/wallet", agent(ratelimit.Me, d.Agents.BindWallet, body(schemas.Wallet)))

	mux.HandleFunc("GET "+base+"/campaigns/{id}/tasks", d.Tasks.ListTasks)
	mux.Handle("POST "+base+"/campaigns/{id}/tasks", agent(ratelimit.TaskClaim, d.Tasks.TaskAction, body(schemas.TaskAction)))
	mux.Handle("GET "+base+"/my/tasks", agent(ratelimit.MyTasks, d.Tasks.MyTasks))

	mux.Handle("GET "+base+"/wallet", agent(ratelimit.Wallet, d.Wallet.Get))
	mux.Handle("POST "+base+"/wallet/withdraw", agent(ratelimit.Withdraw, d.Wallet.Withdraw, body(schemas.Withdraw)))

	mux.Handle("GET "+base+"/mining/tasks", agent(ratelimit.Mining, d.Mining.ListTasks))
	mux.Handle("POST "+base+"/mining/tasks", agent(ratelimit.MiningClaim, d.Mining.ClaimTask, body(schemas.MiningTask)))

	if d.Ops != nil && d.Operators != nil {
		ops := middleware.OperatorAuth(d.Operators)
		mux.Handle("GET "+base+"/ops/relay/failed", ops(http.HandlerFunc(d.Ops.FailedRelays)))
		mux.Handle("POST "+base+"/ops/relay/{id}/retry", ops(http.HandlerFunc(d.Ops.RetryRelay)))
	}

	if d.Health != nil {
		mux.Handle("GET /healthz", d.Health)
	}
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}
	return mux
}

// chain applies mws so that the first one runs first.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
