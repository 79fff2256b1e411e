package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/agents"
	"github.com/clawtask/backend/internal/claims"
	"github.com/clawtask/backend/internal/events"
	"github.com/clawtask/backend/internal/ledger"
	"github.com/clawtask/backend/internal/memstore"
	"github.com/clawtask/backend/internal/middleware"
	"github.com/clawtask/backend/internal/mining"
	"github.com/clawtask/backend/internal/models"
	"github.com/clawtask/backend/internal/relay"
	"github.com/clawtask/backend/internal/settlement"
	"github.com/clawtask/backend/internal/verifier"
	"github.com/clawtask/backend/internal/withdraw"
)

// ---------------------------------------------------------------------------
// Fixture: real services over the in-memory store, handlers on a mux so
// path wildcards resolve.
// ---------------------------------------------------------------------------

type env struct {
	store    *memstore.Store
	mux      *http.ServeMux
	campaign *models.Campaign
	ops      *stubRelayOps
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memstore.New()
	ledgerSvc := ledger.NewService(store.Agents(), store.Balances(), store.TransactionLog())
	agentSvc := agents.NewService(store, store.Agents(), store.Balances(), ledgerSvc, events.Discard{}, nil)
	miningSvc := &mining.Service{DB: store, Agents: store.Agents(), Stats: store.Mining(), Ledger: ledgerSvc}
	engine := &settlement.Engine{
		DB:        store,
		Agents:    store.Agents(),
		Claims:    store.Claims(),
		Campaigns: store.Campaigns(),
		Ledger:    ledgerSvc,
		Mining:    miningSvc,
	}
	mgr := &claims.Manager{
		DB:         store,
		Agents:     store.Agents(),
		Tasks:      store.Tasks(),
		Claims:     store.Claims(),
		Campaigns:  store.Campaigns(),
		Verifier:   verifier.Heuristic{},
		Settlement: engine,
	}
	withdrawSvc := &withdraw.Service{
		DB:          store,
		Agents:      store.Agents(),
		Balances:    store.Balances(),
		Withdrawals: store.WithdrawalLog(),
		Ledger:      ledgerSvc,
	}

	campaign := &models.Campaign{
		ID: uuid.New(), Name: "Nebula", TokenSymbol: "NEB",
		TokenAddress: "0x00000000000000000000000000000000000000c1",
		TotalAmount:  decimal.NewFromInt(100), RemainingAmount: decimal.NewFromInt(100),
		Status: models.CampaignStatusActive,
	}
	store.PutCampaign(campaign)

	ah := &AgentHandler{Agents: agentSvc}
	th := &TaskHandler{Claims: mgr, Campaigns: store.Campaigns()}
	wh := &WalletHandler{Profiles: agentSvc, Transactions: store.TransactionLog(), Withdrawals: withdrawSvc}
	mh := &MiningHandler{Mining: miningSvc}
	ops := &stubRelayOps{}
	oh := &OpsHandler{Relay: ops}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents/register", ah.Register)
	mux.HandleFunc("GET /agents/me", ah.Me)
	mux.HandleFunc("PUT /agents/me/wallet", ah.BindWallet)
	mux.HandleFunc("GET /campaigns/{id}/tasks", th.ListTasks)
	mux.HandleFunc("POST /campaigns/{id}/tasks", th.TaskAction)
	mux.HandleFunc("GET /my/tasks", th.MyTasks)
	mux.HandleFunc("GET /wallet", wh.Get)
	mux.HandleFunc("POST /wallet/withdraw", wh.Withdraw)
	mux.HandleFunc("GET /mining/tasks", mh.ListTasks)
	mux.HandleFunc("POST /mining/tasks", mh.ClaimTask)
	mux.HandleFunc("GET /ops/relay/failed", oh.FailedRelays)
	mux.HandleFunc("POST /ops/relay/{id}/retry", oh.RetryRelay)

	return &env{store: store, mux: mux, campaign: campaign, ops: ops}
}

func (e *env) agent(t *testing.T) *models.Agent {
	t.Helper()
	ag := &models.Agent{ID: uuid.New(), Name: "agent-" + uuid.NewString()[:8], MiningBalance: decimal.Zero}
	e.store.PutAgent(ag)
	return ag
}

func (e *env) task(t *testing.T, reward string, maxClaims int) *models.Task {
	t.Helper()
	task := &models.Task{
		ID: uuid.New(), CampaignID: e.campaign.ID, Title: "Thread about Nebula", TaskType: "social",
		Difficulty: models.DifficultyMedium, Reward: decimal.RequireFromString(reward),
		MaxClaims: maxClaims, Status: models.TaskStatusOpen,
	}
	e.store.PutTask(task)
	return task
}

// do sends the request as ag (nil for anonymous) and returns the recorder.
func (e *env) do(t *testing.T, ag *models.Agent, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if ag != nil {
		req = req.WithContext(middleware.WithAgent(req.Context(), ag))
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d: %s", rec.Code, status, rec.Body.String())
	}
	if got := decode(t, rec)["code"]; got != code {
		t.Errorf("code = %v, want %s", got, code)
	}
}

// goodSubmission has 60 words over two paragraphs and names the campaign.
func goodSubmission() string {
	first := "Nebula " + strings.TrimSpace(strings.Repeat("launch ", 29))
	second := strings.TrimSpace(strings.Repeat("community ", 30))
	return first + "\n\n" + second
}

type stubRelayOps struct {
	failed   []relay.FailedJob
	retried  []int64
	retryErr error
}

func (s *stubRelayOps) Failed(_ context.Context, limit int) ([]relay.FailedJob, error) {
	if len(s.failed) > limit {
		return s.failed[:limit], nil
	}
	return s.failed, nil
}

func (s *stubRelayOps) Retry(_ context.Context, id int64) (*relay.FailedJob, error) {
	if s.retryErr != nil {
		return nil, s.retryErr
	}
	s.retried = append(s.retried, id)
	return &relay.FailedJob{ID: id, State: "available"}, nil
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

func TestRegister(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, nil, http.MethodPost, "/agents/register", map[string]string{"name": "scout_01"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decode(t, rec)
	key, _ := out["api_key"].(string)
	if !strings.HasPrefix(key, models.APIKeyPrefix) {
		t.Errorf("api_key = %q", key)
	}
	if out["avt_balance"] != "10" {
		t.Errorf("avt_balance = %v, want welcome bonus 10", out["avt_balance"])
	}

	dup := e.do(t, nil, http.MethodPost, "/agents/register", map[string]string{"name": "scout_01"})
	expectError(t, dup, http.StatusConflict, "NAME_TAKEN")
}

func TestMeAndBindWallet(t *testing.T) {
	e := newEnv(t)
	ag := e.agent(t)

	if rec := e.do(t, nil, http.MethodGet, "/agents/me", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous me = %d, want 401", rec.Code)
	}
	rec := e.do(t, ag, http.MethodGet, "/agents/me", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["name"] != ag.Name {
		t.Fatalf("me = %d %s", rec.Code, rec.Body.String())
	}

	wallet := "0x00000000000000000000000000000000000000aa"
	rec = e.do(t, ag, http.MethodPut, "/agents/me/wallet", map[string]string{"wallet_address": wallet})
	// Stored in checksummed form.
	if rec.Code != http.StatusOK || decode(t, rec)["wallet_address"] != common.HexToAddress(wallet).Hex() {
		t.Fatalf("bind = %d %s", rec.Code, rec.Body.String())
	}
	bad := e.do(t, ag, http.MethodPut, "/agents/me/wallet", map[string]string{"wallet_address": "0x123"})
	expectError(t, bad, http.StatusBadRequest, "INVALID_WALLET")
}

// ---------------------------------------------------------------------------
// Campaign tasks
// ---------------------------------------------------------------------------

func TestListTasks(t *testing.T) {
	e := newEnv(t)
	e.task(t, "30", 2)
	e.task(t, "50", 1)

	rec := e.do(t, nil, http.MethodGet, "/campaigns/"+e.campaign.ID.String()+"/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	tasks, _ := decode(t, rec)["tasks"].([]interface{})
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	if first := tasks[0].(map[string]interface{}); first["reward"] != "50" {
		t.Errorf("first reward = %v, want highest reward first", first["reward"])
	}

	bad := e.do(t, nil, http.MethodGet, "/campaigns/not-a-uuid/tasks", nil)
	expectError(t, bad, http.StatusBadRequest, "INVALID_REQUEST")
}

func TestClaimSubmitApproved(t *testing.T) {
	e := newEnv(t)
	task := e.task(t, "30", 2)
	ag := e.agent(t)
	path := "/campaigns/" + e.campaign.ID.String() + "/tasks"

	rec := e.do(t, ag, http.MethodPost, path, map[string]string{"action": "claim", "task_id": task.ID.String()})
	if rec.Code != http.StatusCreated {
		t.Fatalf("claim: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	claimed := decode(t, rec)
	if claimed["status"] != models.ClaimStatusClaimed || claimed["token"] != "NEB" || claimed["reward"] != "30" {
		t.Errorf("claim response = %v", claimed)
	}
	claimID, _ := claimed["claim_id"].(string)

	rec = e.do(t, ag, http.MethodPost, path, map[string]string{
		"action": "submit", "task_id": task.ID.String(), "claim_id": claimID, "submission": goodSubmission(),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decode(t, rec)
	if out["status"] != models.ClaimStatusApproved || out["approved"] != true {
		t.Errorf("submit response = %v", out)
	}
	if msg, _ := out["message"].(string); !strings.Contains(msg, "You earned 30 NEB") {
		t.Errorf("message = %q", msg)
	}
	if out["remaining_budget"] != "70" {
		t.Errorf("remaining_budget = %v, want 70", out["remaining_budget"])
	}

	mine := decode(t, e.do(t, ag, http.MethodGet, "/my/tasks", nil))
	if mine["total"] != float64(1) {
		t.Errorf("my tasks = %v", mine)
	}
}

func TestSubmitRejected(t *testing.T) {
	e := newEnv(t)
	task := e.task(t, "30", 2)
	ag := e.agent(t)
	path := "/campaigns/" + e.campaign.ID.String() + "/tasks"

	claimed := decode(t, e.do(t, ag, http.MethodPost, path, map[string]string{"action": "claim", "task_id": task.ID.String()}))
	rec := e.do(t, ag, http.MethodPost, path, map[string]string{
		"action": "submit", "task_id": task.ID.String(), "claim_id": claimed["claim_id"].(string), "submission": "too short",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	if out := decode(t, rec); out["status"] != "rejected" || out["approved"] != false {
		t.Errorf("response = %v", out)
	}
	// Nothing was paid.
	if got := e.store.Transactions(ag.ID); len(got) != 0 {
		t.Errorf("transactions = %d, want 0", len(got))
	}
}

func TestTaskActionErrors(t *testing.T) {
	e := newEnv(t)
	open := e.task(t, "30", 2)
	full := e.task(t, "30", 1)
	ag := e.agent(t)
	path := "/campaigns/" + e.campaign.ID.String() + "/tasks"

	for _, task := range []*models.Task{open, full} {
		if rec := e.do(t, ag, http.MethodPost, path, map[string]string{"action": "claim", "task_id": task.ID.String()}); rec.Code != http.StatusCreated {
			t.Fatalf("first claim: %d %s", rec.Code, rec.Body.String())
		}
	}

	cases := []struct {
		name   string
		agent  *models.Agent
		path   string
		body   map[string]string
		status int
		code   string
	}{
		{"duplicate claim", ag, path, map[string]string{"action": "claim", "task_id": open.ID.String()}, http.StatusConflict, "DUPLICATE_CLAIM"},
		{"full task", e.agent(t), path, map[string]string{"action": "claim", "task_id": full.ID.String()}, http.StatusConflict, "TASK_FULL"},
		{"unknown task", ag, path, map[string]string{"action": "claim", "task_id": uuid.NewString()}, http.StatusNotFound, "TASK_NOT_FOUND"},
		{"task of another campaign", ag, "/campaigns/" + uuid.NewString() + "/tasks", map[string]string{"action": "claim", "task_id": full.ID.String()}, http.StatusNotFound, "TASK_NOT_FOUND"},
		{"unknown claim", ag, path, map[string]string{"action": "submit", "task_id": full.ID.String(), "claim_id": uuid.NewString(), "submission": goodSubmission()}, http.StatusNotFound, "CLAIM_NOT_FOUND"},
		{"bad action", ag, path, map[string]string{"action": "cancel", "task_id": full.ID.String()}, http.StatusBadRequest, "INVALID_ACTION"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			expectError(t, e.do(t, c.agent, http.MethodPost, c.path, c.body), c.status, c.code)
		})
	}
}

func TestSubmitThroughOtherCampaign(t *testing.T) {
	e := newEnv(t)
	ag := e.agent(t)
	task := e.task(t, "30", 2)

	// A second funded campaign with a task of its own.
	other := &models.Campaign{
		ID: uuid.New(), Name: "Quasar", TokenSymbol: "QSR",
		TotalAmount: decimal.NewFromInt(100), RemainingAmount: decimal.NewFromInt(100),
		Status: models.CampaignStatusActive,
	}
	e.store.PutCampaign(other)
	otherTask := &models.Task{
		ID: uuid.New(), CampaignID: other.ID, Title: "Quasar thread", TaskType: "social",
		Difficulty: models.DifficultyMedium, Reward: decimal.NewFromInt(30), MaxClaims: 2, Status: models.TaskStatusOpen,
	}
	e.store.PutTask(otherTask)

	path := "/campaigns/" + e.campaign.ID.String() + "/tasks"
	claimed := decode(t, e.do(t, ag, http.MethodPost, path, map[string]string{"action": "claim", "task_id": task.ID.String()}))
	claimID, _ := claimed["claim_id"].(string)

	rec := e.do(t, ag, http.MethodPost, "/campaigns/"+other.ID.String()+"/tasks", map[string]string{
		"action": "submit", "task_id": otherTask.ID.String(), "claim_id": claimID, "submission": goodSubmission(),
	})
	expectError(t, rec, http.StatusNotFound, "CLAIM_NOT_FOUND")
	if got := e.store.Transactions(ag.ID); len(got) != 0 {
		t.Errorf("transactions = %d, want nothing paid", len(got))
	}
}

func TestTooManyInFlight(t *testing.T) {
	e := newEnv(t)
	ag := e.agent(t)
	path := "/campaigns/" + e.campaign.ID.String() + "/tasks"
	for i := 0; i < claims.DefaultMaxInFlight; i++ {
		task := e.task(t, "1", 5)
		if rec := e.do(t, ag, http.MethodPost, path, map[string]string{"action": "claim", "task_id": task.ID.String()}); rec.Code != http.StatusCreated {
			t.Fatalf("claim %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}
	extra := e.task(t, "1", 5)
	rec := e.do(t, ag, http.MethodPost, path, map[string]string{"action": "claim", "task_id": extra.ID.String()})
	expectError(t, rec, http.StatusConflict, "TOO_MANY_IN_FLIGHT")
}

// ---------------------------------------------------------------------------
// Wallet
// ---------------------------------------------------------------------------

func TestWallet(t *testing.T) {
	e := newEnv(t)
	task := e.task(t, "30", 2)
	ag := e.agent(t)
	path := "/campaigns/" + e.campaign.ID.String() + "/tasks"
	claimed := decode(t, e.do(t, ag, http.MethodPost, path, map[string]string{"action": "claim", "task_id": task.ID.String()}))
	e.do(t, ag, http.MethodPost, path, map[string]string{
		"action": "submit", "task_id": task.ID.String(), "claim_id": claimed["claim_id"].(string), "submission": goodSubmission(),
	})

	bal := decode(t, e.do(t, ag, http.MethodGet, "/wallet", nil))
	if bal["avt_balance"] != mining.Rewards[mining.ActionCompleteCampaignTask].String() {
		t.Errorf("avt_balance = %v", bal["avt_balance"])
	}
	if tokens, _ := bal["token_balances"].([]interface{}); len(tokens) != 1 {
		t.Errorf("token_balances = %v", bal["token_balances"])
	}

	hist := decode(t, e.do(t, ag, http.MethodGet, "/wallet?action=history", nil))
	if txs, _ := hist["transactions"].([]interface{}); len(txs) != 2 {
		t.Errorf("history = %v, want reward and bonus", hist)
	}

	expectError(t, e.do(t, ag, http.MethodGet, "/wallet?action=export", nil), http.StatusBadRequest, "INVALID_ACTION")
}

func TestWithdraw(t *testing.T) {
	e := newEnv(t)
	ag := e.agent(t)
	ag.WalletAddress = "0x00000000000000000000000000000000000000aa"
	e.store.PutAgent(ag)
	task := e.task(t, "30", 2)
	path := "/campaigns/" + e.campaign.ID.String() + "/tasks"
	claimed := decode(t, e.do(t, ag, http.MethodPost, path, map[string]string{"action": "claim", "task_id": task.ID.String()}))
	e.do(t, ag, http.MethodPost, path, map[string]string{
		"action": "submit", "task_id": task.ID.String(), "claim_id": claimed["claim_id"].(string), "submission": goodSubmission(),
	})

	rec := e.do(t, ag, http.MethodPost, "/wallet/withdraw", map[string]string{"token": "NEB", "amount": "12.5"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decode(t, rec)
	if out["status"] != models.WithdrawalStatusPending {
		t.Errorf("status = %v", out["status"])
	}
	if msg, _ := out["message"].(string); !strings.Contains(msg, "12.5 NEB to "+ag.WalletAddress) {
		t.Errorf("message = %q", msg)
	}

	over := e.do(t, ag, http.MethodPost, "/wallet/withdraw", map[string]string{"token": "NEB", "amount": "100"})
	expectError(t, over, http.StatusConflict, "INSUFFICIENT_BALANCE")
	unknown := e.do(t, ag, http.MethodPost, "/wallet/withdraw", map[string]string{"token": "XYZ", "amount": "1"})
	expectError(t, unknown, http.StatusBadRequest, "UNKNOWN_TOKEN")
}

// ---------------------------------------------------------------------------
// Mining
// ---------------------------------------------------------------------------

func TestMining(t *testing.T) {
	e := newEnv(t)
	ag := e.agent(t)

	list := decode(t, e.do(t, ag, http.MethodGet, "/mining/tasks", nil))
	if tasks, _ := list["tasks"].([]interface{}); len(tasks) != 4 {
		t.Errorf("tasks = %v", list["tasks"])
	}
	if list["stats"] == nil {
		t.Error("stats missing")
	}

	rec := e.do(t, ag, http.MethodPost, "/mining/tasks", map[string]string{"task": mining.ActionDailyCheckIn})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if msg := decode(t, rec)["message"]; msg != "Mining reward: +2 AVT for daily_checkin" {
		t.Errorf("message = %v", msg)
	}

	again := e.do(t, ag, http.MethodPost, "/mining/tasks", map[string]string{"task": mining.ActionDailyCheckIn})
	expectError(t, again, http.StatusTooManyRequests, "ALREADY_CHECKED_IN")
	auto := e.do(t, ag, http.MethodPost, "/mining/tasks", map[string]string{"task": mining.ActionCreatePost})
	expectError(t, auto, http.StatusBadRequest, "MINING_TASK_NOT_CLAIMABLE")
	unknown := e.do(t, ag, http.MethodPost, "/mining/tasks", map[string]string{"task": "dance"})
	expectError(t, unknown, http.StatusBadRequest, "UNKNOWN_MINING_TASK")
}

// ---------------------------------------------------------------------------
// Ops
// ---------------------------------------------------------------------------

func TestOps(t *testing.T) {
	e := newEnv(t)
	for i := 1; i <= 3; i++ {
		e.ops.failed = append(e.ops.failed, relay.FailedJob{ID: int64(i), State: "discarded"})
	}

	list := decode(t, e.do(t, nil, http.MethodGet, "/ops/relay/failed?limit=2", nil))
	if jobs, _ := list["jobs"].([]interface{}); len(jobs) != 2 {
		t.Errorf("jobs = %v, want 2", list["jobs"])
	}

	rec := e.do(t, nil, http.MethodPost, "/ops/relay/7/retry", nil)
	if rec.Code != http.StatusOK || len(e.ops.retried) != 1 || e.ops.retried[0] != 7 {
		t.Fatalf("retry = %d %s, retried %v", rec.Code, rec.Body.String(), e.ops.retried)
	}

	expectError(t, e.do(t, nil, http.MethodPost, "/ops/relay/abc/retry", nil), http.StatusBadRequest, "INVALID_REQUEST")

	e.ops.retryErr = fmt.Errorf("retry 9: %w", relay.ErrJobNotFound)
	expectError(t, e.do(t, nil, http.MethodPost, "/ops/relay/9/retry", nil), http.StatusNotFound, "JOB_NOT_FOUND")

	e.ops.retryErr = errors.New("connection reset")
	expectError(t, e.do(t, nil, http.MethodPost, "/ops/relay/9/retry", nil), http.StatusInternalServerError, "INTERNAL")
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	Healthz(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("nil pinger = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	Healthz(downPinger{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("down pinger = %d, want 503", rec.Code)
	}
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("down") }
