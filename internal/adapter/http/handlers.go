package http

import (
	"context"
	"net/http"
	"time"

	"github.com/geniusboywonder/bmad/internal/domain/approval"
	"github.com/geniusboywonder/bmad/internal/service"
)

// Pinger reports readiness of a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds the services the REST API fronts.
type Handlers struct {
	Approvals *service.ApprovalService
	Budgets   *service.BudgetService
	Stops     *service.StopService

	// DB is consulted by the readiness probe; nil means no database
	// (in-memory mode).
	DB Pinger
	// QueueConnected reports message-queue health; nil means no queue.
	QueueConnected func() bool
}

// ---------------------------------------------------------------------------
// Approvals
// ---------------------------------------------------------------------------

// CreateApproval opens a new approval request. An existing active request
// for the same (task, kind) is returned instead of a duplicate.
func (h *Handlers) CreateApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[approval.CreateRequest](w, r)
	if !ok {
		return
	}

	created, err := h.Approvals.CreateRequest(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "approval request not found")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) GetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := h.Approvals.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "approval request not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "id")
	status := approval.Status(r.URL.Query().Get("status"))

	reqs, err := h.Approvals.ListByProject(r.Context(), projectID, status)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": reqs, "count": len(reqs)})
}

// RespondApproval resolves a pending request with approve, reject or amend.
func (h *Handlers) RespondApproval(w http.ResponseWriter, r *http.Request) {
	resp, ok := readJSON[approval.Response](w, r)
	if !ok {
		return
	}

	result, err := h.Approvals.Respond(r.Context(), urlParam(r, "id"), resp)
	if err != nil {
		writeDomainError(w, err, "approval request not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// WaitApproval blocks until the request resolves or the timeout elapses.
// A pending request at the deadline yields 408 and leaves the request
// untouched.
func (h *Handlers) WaitApproval(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}

	result, err := h.Approvals.WaitForApproval(r.Context(), urlParam(r, "id"), timeout)
	if err != nil {
		writeDomainError(w, err, "approval request not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ---------------------------------------------------------------------------
// Budgets
// ---------------------------------------------------------------------------

type budgetCheckRequest struct {
	ProjectID       string  `json:"project_id"`
	AgentType       string  `json:"agent_type"`
	EstimatedTokens int64   `json:"estimated_tokens"`
	EstimatedCost   float64 `json:"estimated_cost_usd"`
}

// CheckBudget runs an advisory limit check without reserving anything.
func (h *Handlers) CheckBudget(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[budgetCheckRequest](w, r)
	if !ok {
		return
	}

	res, err := h.Budgets.CheckLimits(r.Context(), req.ProjectID, req.AgentType, req.EstimatedTokens, req.EstimatedCost)
	if err != nil {
		writeDomainError(w, err, "budget counter not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type usageRequest struct {
	ProjectID string  `json:"project_id"`
	AgentType string  `json:"agent_type"`
	Tokens    int64   `json:"tokens"`
	CostUSD   float64 `json:"cost_usd"`
}

// CommitUsage records spend after an LLM call completed.
func (h *Handlers) CommitUsage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[usageRequest](w, r)
	if !ok {
		return
	}

	if err := h.Budgets.CommitUsage(r.Context(), req.ProjectID, req.AgentType, req.Tokens, req.CostUSD); err != nil {
		writeDomainError(w, err, "budget counter not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) GetBudget(w http.ResponseWriter, r *http.Request) {
	counter, err := h.Budgets.GetCounter(r.Context(), urlParam(r, "id"), urlParam(r, "agentType"))
	if err != nil {
		writeDomainError(w, err, "budget counter not found")
		return
	}
	writeJSON(w, http.StatusOK, counter)
}

func (h *Handlers) ListBudgets(w http.ResponseWriter, r *http.Request) {
	counters, err := h.Budgets.ListCounters(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counters": counters, "count": len(counters)})
}

// ResetSessionBudget zeroes the session counters for one project/agent.
func (h *Handlers) ResetSessionBudget(w http.ResponseWriter, r *http.Request) {
	err := h.Budgets.ResetSessionCounters(r.Context(), urlParam(r, "id"), urlParam(r, "agentType"))
	if err != nil {
		writeDomainError(w, err, "budget counter not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetDailyBudgets rolls every stale daily counter. Normally the reset
// loop does this on schedule; the endpoint exists for operators.
func (h *Handlers) ResetDailyBudgets(w http.ResponseWriter, r *http.Request) {
	n, err := h.Budgets.ResetDailyCounters(r.Context())
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// ---------------------------------------------------------------------------
// Emergency stops
// ---------------------------------------------------------------------------

type triggerStopRequest struct {
	ProjectID   string `json:"project_id"`
	AgentType   string `json:"agent_type,omitempty"`
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggered_by"`
}

// TriggerStop activates an emergency stop. Triggering an already-stopped
// scope returns the existing record.
func (h *Handlers) TriggerStop(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[triggerStopRequest](w, r)
	if !ok {
		return
	}

	st, err := h.Stops.Trigger(r.Context(), req.ProjectID, req.AgentType, req.Reason, req.TriggeredBy)
	if err != nil {
		writeDomainError(w, err, "stop not found")
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *Handlers) GetStop(w http.ResponseWriter, r *http.Request) {
	st, err := h.Stops.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "stop not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) DeactivateStop(w http.ResponseWriter, r *http.Request) {
	if err := h.Stops.Deactivate(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "stop not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListStops(w http.ResponseWriter, r *http.Request) {
	stops, err := h.Stops.ListActive(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stops": stops, "count": len(stops)})
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Healthz is the liveness probe.
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz is the readiness probe: the database must answer and the message
// queue must be connected.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	if h.DB != nil {
		if err := h.DB.Ping(r.Context()); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}
	if h.QueueConnected != nil {
		if h.QueueConnected() {
			checks["queue"] = "ok"
		} else {
			checks["queue"] = "disconnected"
			healthy = false
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": healthy, "checks": checks})
}
