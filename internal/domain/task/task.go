// Package task defines the Task domain entity owned by the workflow engine.
package task

import (
	"encoding/json"
	"time"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending        Status = "pending"
	StatusWaitingForHITL Status = "waiting_for_hitl"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether s is a final status; terminal tasks are never
// resumed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task represents a unit of work assigned to an agent in the SDLC pipeline.
// Context carries the phase handoff payload the next agent will see; an
// approved amendment is merged into it before the task is resumed.
type Task struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	AgentType string          `json:"agent_type"`
	Title     string          `json:"title"`
	Status    Status          `json:"status"`
	Context   json.RawMessage `json:"context,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
