// Package approval defines the HITL approval request domain entity and its
// state machine.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/geniusboywonder/bmad/internal/domain"
	"github.com/geniusboywonder/bmad/internal/domain/agent"
)

// Status represents the current state of an approval request.
// The only legal transitions are PENDING -> {APPROVED, REJECTED, EXPIRED};
// every terminal status is final.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Kind identifies what stage of an agent's work is being gated.
type Kind string

const (
	// KindPreExecution gates an agent action before it runs.
	KindPreExecution Kind = "pre_execution"
	// KindResponseReview gates an agent's produced output.
	KindResponseReview Kind = "response_review"
)

// Action is a human responder's decision on a pending request.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	// ActionAmend approves the request with replacement content supplied by
	// the responder in place of the agent's original output.
	ActionAmend Action = "amend"
)

// DefaultTTLMinutes is the request lifetime applied when a creation request
// does not specify one (24 hours).
const DefaultTTLMinutes = 1440

// ErrWaitTimeout is returned by a wait for approval that exceeded its
// deadline with the request still pending. The request itself is untouched
// and can still be resolved later.
var ErrWaitTimeout = errors.New("approval wait timed out")

// Request is one persisted human-approval decision point. Rows are never
// deleted; the expiration sweep only flips pending rows to expired.
type Request struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	TaskID          string          `json:"task_id"`
	AgentType       string          `json:"agent_type"`
	Kind            Kind            `json:"kind"`
	Status          Status          `json:"status"`
	RequestData     json.RawMessage `json:"request_data,omitempty"`
	EstimatedTokens int64           `json:"estimated_tokens"`
	EstimatedCost   float64         `json:"estimated_cost_usd"`
	Responder       string          `json:"responder,omitempty"`
	Comment         string          `json:"comment,omitempty"`
	AmendedContent  json.RawMessage `json:"amended_content,omitempty"`
	RespondedAt     *time.Time      `json:"responded_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// ExpiredAt reports whether the request's TTL has elapsed at the given time.
func (r *Request) ExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Amended reports whether the request was approved with replacement content.
func (r *Request) Amended() bool {
	return r.Status == StatusApproved && len(r.AmendedContent) > 0
}

// CreateRequest holds the fields needed to open a new approval request.
type CreateRequest struct {
	ProjectID       string          `json:"project_id"`
	TaskID          string          `json:"task_id"`
	AgentType       string          `json:"agent_type"`
	Kind            Kind            `json:"kind"`
	RequestData     json.RawMessage `json:"request_data,omitempty"`
	EstimatedTokens int64           `json:"estimated_tokens"`
	EstimatedCost   float64         `json:"estimated_cost_usd"`
	TTLMinutes      int             `json:"ttl_minutes,omitempty"`
}

// Validate checks that a CreateRequest is well formed.
func (c *CreateRequest) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", domain.ErrValidation)
	}
	if c.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", domain.ErrValidation)
	}
	if c.AgentType == "" {
		return fmt.Errorf("%w: agent_type is required", domain.ErrValidation)
	}
	if !agent.Known(agent.Type(c.AgentType)) {
		return fmt.Errorf("%w: unknown agent_type %q", domain.ErrValidation, c.AgentType)
	}
	switch c.Kind {
	case KindPreExecution, KindResponseReview:
	default:
		return fmt.Errorf("%w: unknown request kind %q", domain.ErrValidation, c.Kind)
	}
	if c.EstimatedTokens < 0 {
		return fmt.Errorf("%w: estimated_tokens must not be negative", domain.ErrValidation)
	}
	if c.EstimatedCost < 0 {
		return fmt.Errorf("%w: estimated_cost_usd must not be negative", domain.ErrValidation)
	}
	if c.TTLMinutes < 0 {
		return fmt.Errorf("%w: ttl_minutes must not be negative", domain.ErrValidation)
	}
	return nil
}

// Response holds the fields a human responder supplies when resolving a
// pending request.
type Response struct {
	Action         Action          `json:"action"`
	Responder      string          `json:"responder"`
	Comment        string          `json:"comment,omitempty"`
	AmendedContent json.RawMessage `json:"amended_content,omitempty"`
}

// Validate checks that a Response is well formed. Amendments must carry
// replacement content.
func (r *Response) Validate() error {
	switch r.Action {
	case ActionApprove, ActionReject:
	case ActionAmend:
		if len(r.AmendedContent) == 0 {
			return fmt.Errorf("%w: amended_content is required for amend", domain.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", domain.ErrValidation, r.Action)
	}
	if r.Responder == "" {
		return fmt.Errorf("%w: responder is required", domain.ErrValidation)
	}
	return nil
}

// StatusFor maps a response action to the terminal status it produces.
func (r *Response) StatusFor() Status {
	if r.Action == ActionReject {
		return StatusRejected
	}
	return StatusApproved
}

// Result is the outcome of a resolved approval request as seen by a waiting
// caller.
type Result struct {
	RequestID      string          `json:"request_id"`
	Approved       bool            `json:"approved"`
	Response       string          `json:"response"`
	Comment        string          `json:"comment,omitempty"`
	AmendedContent json.RawMessage `json:"amended_content,omitempty"`
}

// ResultOf builds the Result for a request that has left PENDING.
func ResultOf(r *Request) *Result {
	return &Result{
		RequestID:      r.ID,
		Approved:       r.Status == StatusApproved,
		Response:       string(r.Status),
		Comment:        r.Comment,
		AmendedContent: r.AmendedContent,
	}
}
