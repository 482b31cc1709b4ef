package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/geniusboywonder/bmad/internal/config"
	"github.com/geniusboywonder/bmad/internal/domain"
	"github.com/geniusboywonder/bmad/internal/domain/approval"
	"github.com/geniusboywonder/bmad/internal/domain/budget"
	"github.com/geniusboywonder/bmad/internal/domain/stop"
	"github.com/geniusboywonder/bmad/internal/port/broadcast"
	"github.com/geniusboywonder/bmad/internal/port/database"
	"github.com/geniusboywonder/bmad/internal/port/messagequeue"
	"github.com/geniusboywonder/bmad/internal/port/notifier"
)

// ResumeHook is invoked after an approval request leaves PENDING so the
// owning task can be resumed or halted. Hook errors are logged, never
// propagated: workflow coupling must not fail the approval transition.
type ResumeHook interface {
	OnApprovalResolved(ctx context.Context, requestID string) (bool, error)
}

// ApprovalService owns the lifecycle of human-approval requests: creation
// behind emergency-stop and budget gates, idempotent re-entry per
// (task, kind), response recording, blocking waits, and the expiration
// sweep. The only legal transitions are PENDING to APPROVED, REJECTED or
// EXPIRED; every terminal status is final.
type ApprovalService struct {
	store   database.Store
	budgets *BudgetService
	stops   *StopService
	resume  ResumeHook
	waiter  *syncWaiter[approval.Result]
	cfg     config.Approval
	emitter
	now func() time.Time // for testing
}

// NewApprovalService creates an ApprovalService. stops, budgets, queue, hub
// and notify may be nil; the corresponding gate or sink is then skipped.
func NewApprovalService(store database.Store, budgets *BudgetService, stops *StopService, cfg config.Approval, queue messagequeue.Queue, hub broadcast.Broadcaster, notify *NotificationService) *ApprovalService {
	return &ApprovalService{
		store:   store,
		budgets: budgets,
		stops:   stops,
		waiter:  newSyncWaiter[approval.Result]("approval"),
		cfg:     cfg,
		emitter: emitter{queue: queue, hub: hub, notify: notify},
		now:     time.Now,
	}
}

// SetResumeHook wires the workflow coordinator invoked on every resolution.
// Must be called before the service starts handling requests.
func (s *ApprovalService) SetResumeHook(h ResumeHook) {
	s.resume = h
}

// CreateRequest opens a new PENDING approval request, unless a live one
// already exists for the same (task, kind), in which case that request is
// returned unchanged. An active emergency stop or a denied budget check
// prevents any side effect: no request row is created.
func (s *ApprovalService) CreateRequest(ctx context.Context, c approval.CreateRequest) (*approval.Request, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	if s.stops != nil {
		stopped, err := s.stops.IsStopped(ctx, c.ProjectID, c.AgentType)
		if err != nil {
			return nil, err
		}
		if stopped {
			return nil, fmt.Errorf("%w: %s/%s", stop.ErrStopActive, c.ProjectID, c.AgentType)
		}
	}

	if s.budgets != nil {
		res, err := s.budgets.CheckLimits(ctx, c.ProjectID, c.AgentType, c.EstimatedTokens, c.EstimatedCost)
		if err != nil {
			return nil, err
		}
		if !res.Approved {
			s.publish(ctx, messagequeue.SubjectBudgetDenied, messagequeue.BudgetDeniedPayload{
				ProjectID: c.ProjectID,
				AgentType: c.AgentType,
				Reason:    res.Reason,
			})
			return nil, &budget.LimitError{
				ProjectID: c.ProjectID,
				AgentType: c.AgentType,
				Reason:    res.Reason,
			}
		}
	}

	now := s.now().UTC()

	// Idempotent re-entry: a live PENDING or APPROVED request for the same
	// (task, kind) is reused. A REJECTED one does not block retrying.
	existing, err := s.store.FindActiveApproval(ctx, c.TaskID, c.Kind, now)
	switch {
	case err == nil:
		slog.Info("reusing existing approval request",
			"request_id", existing.ID,
			"task_id", c.TaskID,
			"kind", c.Kind,
			"status", existing.Status,
		)
		return existing, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	ttl := c.TTLMinutes
	if ttl == 0 {
		ttl = s.cfg.DefaultTTLMinutes
	}
	if ttl == 0 {
		ttl = approval.DefaultTTLMinutes
	}

	req := &approval.Request{
		ID:              uuid.NewString(),
		ProjectID:       c.ProjectID,
		TaskID:          c.TaskID,
		AgentType:       c.AgentType,
		Kind:            c.Kind,
		Status:          approval.StatusPending,
		RequestData:     c.RequestData,
		EstimatedTokens: c.EstimatedTokens,
		EstimatedCost:   c.EstimatedCost,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(ttl) * time.Minute),
	}

	createErr := s.store.CreateApproval(ctx, req)
	if errors.Is(createErr, domain.ErrConflict) {
		// Either two creators raced past the lookup and the store's partial
		// unique index admitted exactly one, or the blocking PENDING row has
		// outlived its TTL and the sweeper has not flipped it yet.
		winner, findErr := s.store.FindActiveApproval(ctx, c.TaskID, c.Kind, now)
		switch {
		case findErr == nil:
			return winner, nil
		case !errors.Is(findErr, domain.ErrNotFound):
			return nil, findErr
		}
		// Stale pending blocker: expire it and retry the insert once.
		if _, err := s.CleanupExpired(ctx); err != nil {
			return nil, err
		}
		createErr = s.store.CreateApproval(ctx, req)
	}
	if createErr != nil {
		return nil, createErr
	}

	slog.Info("approval request created",
		"request_id", req.ID,
		"project_id", req.ProjectID,
		"task_id", req.TaskID,
		"agent_type", req.AgentType,
		"kind", req.Kind,
		"expires_at", req.ExpiresAt,
	)

	s.publish(ctx, messagequeue.SubjectApprovalRequested, approvalPayload(req))
	s.broadcast(ctx, broadcast.EventApprovalRequested, req)
	s.send(ctx, notifier.Notification{
		Title:   "Approval requested",
		Message: fmt.Sprintf("%s task %s awaits a %s decision", req.AgentType, req.TaskID, req.Kind),
		Level:   "info",
		Source:  broadcast.EventApprovalRequested,
	})

	return req, nil
}

// Get returns an approval request by id.
func (s *ApprovalService) Get(ctx context.Context, id string) (*approval.Request, error) {
	return s.store.GetApproval(ctx, id)
}

// ListByProject returns a project's requests, optionally filtered by status.
func (s *ApprovalService) ListByProject(ctx context.Context, projectID string, status approval.Status) ([]approval.Request, error) {
	return s.store.ListApprovalsByProject(ctx, projectID, status)
}

// Respond resolves a PENDING request with the given decision. It fails with
// domain.ErrNotFound for an unknown id and domain.ErrInvalidState when the
// request already left PENDING; a request resolves exactly once. On success
// the estimated usage recorded at creation is committed to the budget
// ledger, any blocked waiter is released, and the resume hook runs.
func (s *ApprovalService) Respond(ctx context.Context, id string, resp approval.Response) (*approval.Result, error) {
	if err := resp.Validate(); err != nil {
		return nil, err
	}

	update := database.ApprovalResponse{
		Status:      resp.StatusFor(),
		Responder:   resp.Responder,
		Comment:     resp.Comment,
		RespondedAt: s.now().UTC(),
	}
	if resp.Action == approval.ActionAmend {
		update.AmendedContent = resp.AmendedContent
	}

	if err := s.store.RespondApproval(ctx, id, update); err != nil {
		return nil, err
	}

	req, err := s.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}

	// Charge the estimate recorded at creation. Actual usage reconciliation,
	// if any, is a second commit made by the LLM call site.
	if s.budgets != nil {
		if err := s.budgets.CommitUsage(ctx, req.ProjectID, req.AgentType, req.EstimatedTokens, req.EstimatedCost); err != nil {
			return nil, fmt.Errorf("commit estimated usage: %w", err)
		}
	}

	result := approval.ResultOf(req)
	s.waiter.deliver(id, result)

	slog.Info("approval request resolved",
		"request_id", req.ID,
		"status", req.Status,
		"responder", req.Responder,
		"amended", req.Amended(),
	)

	s.publish(ctx, messagequeue.SubjectApprovalResolved, approvalPayload(req))
	s.broadcast(ctx, broadcast.EventApprovalResolved, req)
	s.send(ctx, notifier.Notification{
		Title:   "Approval " + string(req.Status),
		Message: fmt.Sprintf("task %s %s by %s", req.TaskID, req.Status, req.Responder),
		Level:   levelFor(req.Status),
		Source:  broadcast.EventApprovalResolved,
	})

	s.runResumeHook(ctx, req.ID)

	return result, nil
}

// WaitForApproval blocks until the request leaves PENDING or the timeout
// elapses, whichever comes first. A request that is already resolved, or
// already past its expiry, returns immediately. Timing out leaves the
// request untouched: it stays PENDING and can still be resolved later.
//
// Resolution is observed two ways: a waiter channel fired by Respond in
// this process, and short-interval store polling to catch resolutions made
// by other processes or the sweep.
func (s *ApprovalService) WaitForApproval(ctx context.Context, id string, timeout time.Duration) (*approval.Result, error) {
	if timeout <= 0 {
		timeout = s.cfg.DefaultWaitTimeout
	}
	pollEvery := s.cfg.WaitPollInterval
	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}

	if result, done, err := s.pollOnce(ctx, id); done || err != nil {
		return result, err
	}

	ch := s.waiter.register(id)
	defer s.waiter.unregister(id)

	// Re-check after registering: a response may have landed in between.
	if result, done, err := s.pollOnce(ctx, id); done || err != nil {
		return result, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		select {
		case result := <-ch:
			return result, nil
		case <-ticker.C:
			if result, done, err := s.pollOnce(ctx, id); done || err != nil {
				return result, err
			}
		case <-deadline.C:
			return nil, fmt.Errorf("%w: request %s after %s", approval.ErrWaitTimeout, id, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pollOnce reads the request once. done is true when the wait should end:
// the request left PENDING or its TTL elapsed. A pending request past its
// expiry yields an expired result even before the sweep flips the row.
func (s *ApprovalService) pollOnce(ctx context.Context, id string) (*approval.Result, bool, error) {
	req, err := s.store.GetApproval(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if req.Status.Terminal() {
		return approval.ResultOf(req), true, nil
	}
	if req.ExpiredAt(s.now().UTC()) {
		return &approval.Result{
			RequestID: req.ID,
			Approved:  false,
			Response:  string(approval.StatusExpired),
		}, true, nil
	}
	return nil, false, nil
}

// CleanupExpired flips every PENDING request past its expiry to EXPIRED and
// returns how many were flipped. Idempotent. Each flipped request releases
// any blocked waiter, emits an expired event, and runs the resume hook so
// the owning task fails rather than hanging forever.
func (s *ApprovalService) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := s.store.ExpireApprovals(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}

	for i := range expired {
		req := &expired[i]
		s.waiter.deliver(req.ID, approval.ResultOf(req))
		s.publish(ctx, messagequeue.SubjectApprovalExpired, approvalPayload(req))
		s.broadcast(ctx, broadcast.EventApprovalExpired, req)
		s.send(ctx, notifier.Notification{
			Title:   "Approval expired",
			Message: fmt.Sprintf("task %s request expired unanswered", req.TaskID),
			Level:   "warning",
			Source:  broadcast.EventApprovalExpired,
		})
		s.runResumeHook(ctx, req.ID)
	}

	if len(expired) > 0 {
		slog.Info("expired approval requests swept", "count", len(expired))
	}
	return len(expired), nil
}

// RunExpirySweeper periodically sweeps expired requests until ctx is
// cancelled. Intended to run in a background goroutine.
func (s *ApprovalService) RunExpirySweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.CleanupExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("expiration sweep failed", "error", err)
			}
		}
	}
}

func (s *ApprovalService) runResumeHook(ctx context.Context, requestID string) {
	if s.resume == nil {
		return
	}
	if _, err := s.resume.OnApprovalResolved(ctx, requestID); err != nil {
		slog.Error("workflow resume failed", "request_id", requestID, "error", err)
	}
}

func approvalPayload(req *approval.Request) messagequeue.ApprovalEventPayload {
	return messagequeue.ApprovalEventPayload{
		RequestID: req.ID,
		ProjectID: req.ProjectID,
		TaskID:    req.TaskID,
		AgentType: req.AgentType,
		Kind:      string(req.Kind),
		Status:    string(req.Status),
	}
}

func levelFor(status approval.Status) string {
	switch status {
	case approval.StatusApproved:
		return "success"
	case approval.StatusRejected:
		return "warning"
	default:
		return "info"
	}
}
