// Package broadcast defines the port for broadcasting real-time events to connected clients.
package broadcast

import "context"

// Broadcaster sends real-time events to all connected clients. Broadcasts
// are best-effort; a failed delivery never fails the caller.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected clients.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Event types sent to connected clients.
const (
	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
	EventApprovalExpired   = "approval.expired"
	EventStopTriggered     = "stop.triggered"
	EventStopDeactivated   = "stop.deactivated"
	EventTaskResumed       = "task.resumed"
	EventTaskHalted        = "task.halted"
)
