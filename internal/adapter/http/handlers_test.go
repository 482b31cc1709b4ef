package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/geniusboywonder/bmad/internal/adapter/memory"
	"github.com/geniusboywonder/bmad/internal/config"
	"github.com/geniusboywonder/bmad/internal/domain/approval"
	"github.com/geniusboywonder/bmad/internal/domain/budget"
	"github.com/geniusboywonder/bmad/internal/domain/stop"
	"github.com/geniusboywonder/bmad/internal/service"
)

// newTestRouter wires the full API against in-memory storage.
func newTestRouter(t *testing.T) (chi.Router, *memory.Store) {
	t.Helper()

	store := memory.NewStore()
	limits := budget.Limits{DailyTokens: 10_000, SessionTokens: 5_000, DailyCostUSD: 50, SessionCostUSD: 10}
	approvalCfg := config.Approval{
		DefaultTTLMinutes:  60,
		WaitPollInterval:   5 * time.Millisecond,
		DefaultWaitTimeout: time.Second,
	}

	stops := service.NewStopService(store, nil, 0, nil, nil, nil)
	budgets := service.NewBudgetService(store, stops, limits)
	approvals := service.NewApprovalService(store, budgets, stops, approvalCfg, nil, nil, nil)

	h := &Handlers{Approvals: approvals, Budgets: budgets, Stops: stops}
	r := chi.NewRouter()
	MountRoutes(r, h, nil)
	return r, store
}

func doJSON(t *testing.T, r chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func createApproval(t *testing.T, r chi.Router, projectID, taskID string) approval.Request {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/api/v1/approvals", approval.CreateRequest{
		ProjectID:       projectID,
		TaskID:          taskID,
		AgentType:       "coder",
		Kind:            approval.KindPreExecution,
		EstimatedTokens: 100,
		EstimatedCost:   0.002,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create approval: %d %s", rec.Code, rec.Body.String())
	}
	return decode[approval.Request](t, rec)
}

func TestCreateAndGetApproval(t *testing.T) {
	r, _ := newTestRouter(t)

	created := createApproval(t, r, "p1", "t1")
	if created.Status != approval.StatusPending {
		t.Errorf("status = %q, want pending", created.Status)
	}

	rec := doJSON(t, r, http.MethodGet, "/api/v1/approvals/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	got := decode[approval.Request](t, rec)
	if got.ID != created.ID {
		t.Errorf("ID = %q, want %q", got.ID, created.ID)
	}
}

func TestCreateApprovalValidation(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/approvals", approval.CreateRequest{
		ProjectID: "p1", // missing task_id
		AgentType: "coder",
		Kind:      approval.KindPreExecution,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	resp := decode[errorResponse](t, rec)
	if resp.Error == "" {
		t.Error("expected error message")
	}
}

func TestGetApprovalNotFound(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/approvals/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRespondApproval(t *testing.T) {
	r, _ := newTestRouter(t)
	created := createApproval(t, r, "p1", "t1")

	rec := doJSON(t, r, http.MethodPost, "/api/v1/approvals/"+created.ID+"/respond", approval.Response{
		Action:    approval.ActionApprove,
		Responder: "alice",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("respond: %d %s", rec.Code, rec.Body.String())
	}
	result := decode[approval.Result](t, rec)
	if !result.Approved {
		t.Error("expected approved result")
	}

	// Second respond conflicts.
	rec = doJSON(t, r, http.MethodPost, "/api/v1/approvals/"+created.ID+"/respond", approval.Response{
		Action:    approval.ActionReject,
		Responder: "bob",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second respond: %d, want 409", rec.Code)
	}
}

func TestWaitApprovalTimeout(t *testing.T) {
	r, _ := newTestRouter(t)
	created := createApproval(t, r, "p1", "t1")

	rec := doJSON(t, r, http.MethodGet, "/api/v1/approvals/"+created.ID+"/wait?timeout=20ms", nil)
	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", rec.Code)
	}
}

func TestWaitApprovalInvalidTimeout(t *testing.T) {
	r, _ := newTestRouter(t)
	created := createApproval(t, r, "p1", "t1")

	rec := doJSON(t, r, http.MethodGet, "/api/v1/approvals/"+created.ID+"/wait?timeout=banana", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWaitApprovalAlreadyResolved(t *testing.T) {
	r, _ := newTestRouter(t)
	created := createApproval(t, r, "p1", "t1")

	doJSON(t, r, http.MethodPost, "/api/v1/approvals/"+created.ID+"/respond", approval.Response{
		Action:    approval.ActionReject,
		Responder: "alice",
		Comment:   "not yet",
	})

	rec := doJSON(t, r, http.MethodGet, "/api/v1/approvals/"+created.ID+"/wait?timeout=1s", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	result := decode[approval.Result](t, rec)
	if result.Approved {
		t.Error("expected rejection")
	}
	if result.Comment != "not yet" {
		t.Errorf("comment = %q", result.Comment)
	}
}

func TestListApprovalsByProject(t *testing.T) {
	r, _ := newTestRouter(t)
	createApproval(t, r, "p1", "t1")
	createApproval(t, r, "p1", "t2")
	createApproval(t, r, "p2", "t3")

	rec := doJSON(t, r, http.MethodGet, "/api/v1/projects/p1/approvals", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	list := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	if list.Count != 2 {
		t.Errorf("count = %d, want 2", list.Count)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/projects/p1/approvals?status=approved", nil)
	list = decode[struct {
		Count int `json:"count"`
	}](t, rec)
	if list.Count != 0 {
		t.Errorf("approved count = %d, want 0", list.Count)
	}
}

func TestBudgetCheckAndCommit(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/budgets/check", budgetCheckRequest{
		ProjectID:       "p1",
		AgentType:       "coder",
		EstimatedTokens: 100,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("check: %d %s", rec.Code, rec.Body.String())
	}
	res := decode[budget.CheckResult](t, rec)
	if !res.Approved {
		t.Fatalf("check denied: %s", res.Reason)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/budgets/usage", usageRequest{
		ProjectID: "p1",
		AgentType: "coder",
		Tokens:    400,
		CostUSD:   0.01,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("usage: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/projects/p1/budgets/coder", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get budget: %d", rec.Code)
	}
	counter := decode[budget.Counter](t, rec)
	if counter.TokensUsedToday != 400 {
		t.Errorf("tokens used = %d, want 400", counter.TokensUsedToday)
	}
}

func TestBudgetDeniedCreateApproval(t *testing.T) {
	r, _ := newTestRouter(t)

	// Exhaust the session budget, then try to open a gated request.
	rec := doJSON(t, r, http.MethodPost, "/api/v1/budgets/usage", usageRequest{
		ProjectID: "p1",
		AgentType: "coder",
		Tokens:    5_000,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("usage: %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/approvals", approval.CreateRequest{
		ProjectID:       "p1",
		TaskID:          "t1",
		AgentType:       "coder",
		Kind:            approval.KindPreExecution,
		EstimatedTokens: 100,
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429: %s", rec.Code, rec.Body.String())
	}
}

func TestResetSessionBudget(t *testing.T) {
	r, _ := newTestRouter(t)

	doJSON(t, r, http.MethodPost, "/api/v1/budgets/usage", usageRequest{
		ProjectID: "p1", AgentType: "coder", Tokens: 1000,
	})
	rec := doJSON(t, r, http.MethodPost, "/api/v1/projects/p1/budgets/coder/reset-session", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reset: %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/projects/p1/budgets/coder", nil)
	counter := decode[budget.Counter](t, rec)
	if counter.TokensUsedSession != 0 {
		t.Errorf("session tokens = %d, want 0", counter.TokensUsedSession)
	}
	if counter.TokensUsedToday != 1000 {
		t.Errorf("daily tokens = %d, want 1000", counter.TokensUsedToday)
	}
}

func TestStopLifecycle(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/stops", triggerStopRequest{
		ProjectID:   "p1",
		Reason:      "runaway agent",
		TriggeredBy: "ops",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("trigger: %d %s", rec.Code, rec.Body.String())
	}
	st := decode[stop.Stop](t, rec)
	if !st.Active {
		t.Error("expected active stop")
	}

	// Creating an approval under an active stop is locked out.
	rec = doJSON(t, r, http.MethodPost, "/api/v1/approvals", approval.CreateRequest{
		ProjectID: "p1",
		TaskID:    "t1",
		AgentType: "coder",
		Kind:      approval.KindPreExecution,
	})
	if rec.Code != http.StatusLocked {
		t.Fatalf("gated create: %d, want 423", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/projects/p1/stops", nil)
	list := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	if list.Count != 1 {
		t.Errorf("active stops = %d, want 1", list.Count)
	}

	rec = doJSON(t, r, http.MethodDelete, "/api/v1/stops/"+st.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate: %d", rec.Code)
	}

	// Released: approvals flow again.
	created := createApproval(t, r, "p1", "t1")
	if created.Status != approval.StatusPending {
		t.Errorf("status = %q", created.Status)
	}
}

func TestDeactivateUnknownStop(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodDelete, "/api/v1/stops/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReadyzDegraded(t *testing.T) {
	h := &Handlers{QueueConnected: func() bool { return false }}
	r := chi.NewRouter()
	MountRoutes(r, h, nil)

	rec := doJSON(t, r, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestIdempotentCreateViaAPI(t *testing.T) {
	r, _ := newTestRouter(t)

	first := createApproval(t, r, "p1", "t1")
	second := createApproval(t, r, "p1", "t1")
	if first.ID != second.ID {
		t.Errorf("duplicate create produced new request: %s vs %s", first.ID, second.ID)
	}
}
