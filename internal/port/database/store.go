// Package database defines the database store port (interface).
package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/geniusboywonder/bmad/internal/domain/approval"
	"github.com/geniusboywonder/bmad/internal/domain/budget"
	"github.com/geniusboywonder/bmad/internal/domain/stop"
)

// ApprovalResponse carries the mutable fields set exactly once when a pending
// request is resolved.
type ApprovalResponse struct {
	Status         approval.Status
	Responder      string
	Comment        string
	AmendedContent json.RawMessage
	RespondedAt    time.Time
}

// Store is the port interface for persistence of approval requests, budget
// counters and emergency stops. Any relational or document store with
// transactional single-row updates suffices; errors from the store propagate
// to callers unchanged.
type Store interface {
	// Approvals
	CreateApproval(ctx context.Context, req *approval.Request) error
	GetApproval(ctx context.Context, id string) (*approval.Request, error)
	// FindActiveApproval returns the most recent request for (taskID, kind)
	// that is APPROVED, or PENDING and not yet expired at now.
	// Returns domain.ErrNotFound when no such request exists.
	FindActiveApproval(ctx context.Context, taskID string, kind approval.Kind, now time.Time) (*approval.Request, error)
	// RespondApproval applies the response to the request iff it is still
	// PENDING. Returns domain.ErrNotFound for an unknown id and
	// domain.ErrInvalidState when the request already left PENDING.
	RespondApproval(ctx context.Context, id string, resp ApprovalResponse) error
	// ExpireApprovals flips every PENDING request with expires_at < now to
	// EXPIRED and returns the flipped requests with their new status.
	// Idempotent.
	ExpireApprovals(ctx context.Context, now time.Time) ([]approval.Request, error)
	ListApprovalsByProject(ctx context.Context, projectID string, status approval.Status) ([]approval.Request, error)

	// Budget counters
	GetCounter(ctx context.Context, projectID, agentType string) (*budget.Counter, error)
	// AddUsage adds tokens and cost to the counter for (projectID, agentType),
	// creating the row with used equal to the committed amount when absent.
	AddUsage(ctx context.Context, projectID, agentType string, tokens int64, cost float64, limits budget.Limits, now time.Time) error
	// ResetDailyCounters zeroes daily usage for every counter whose last
	// reset date precedes now's date, leaving session counters untouched.
	// Returns the number of counters reset.
	ResetDailyCounters(ctx context.Context, now time.Time) (int, error)
	ResetSessionCounters(ctx context.Context, projectID, agentType string, now time.Time) error
	ListCounters(ctx context.Context, projectID string) ([]budget.Counter, error)

	// Emergency stops
	CreateStop(ctx context.Context, s *stop.Stop) error
	GetStop(ctx context.Context, id string) (*stop.Stop, error)
	// DeactivateStop clears the active flag. Unknown ids fail with
	// domain.ErrNotFound; deactivating an inactive stop is a no-op.
	DeactivateStop(ctx context.Context, id string, now time.Time) error
	ListActiveStops(ctx context.Context, projectID string) ([]stop.Stop, error)
}
