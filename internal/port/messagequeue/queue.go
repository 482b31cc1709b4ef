// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Close shuts down the queue connection.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the approval pipeline's lifecycle events.
const (
	SubjectApprovalRequested = "approvals.requested"
	SubjectApprovalResolved  = "approvals.resolved"
	SubjectApprovalExpired   = "approvals.expired"
	SubjectBudgetDenied      = "budget.denied"
	SubjectStopTriggered     = "stops.triggered"
	SubjectStopDeactivated   = "stops.deactivated"
	SubjectTaskResumed       = "workflow.resumed"
	SubjectTaskHalted        = "workflow.halted"
)
