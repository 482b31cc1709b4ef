// Package stop defines the emergency-stop domain entity: an operator-triggered
// kill switch halting all or one agent's activity in a project.
package stop

import (
	"errors"
	"time"
)

// ScopeAll is the agent scope meaning "every agent in the project".
const ScopeAll = "all"

// ErrStopActive indicates an active emergency stop covers the requested
// scope, so no new work may be admitted for it.
var ErrStopActive = errors.New("emergency stop active")

// Stop is one emergency-stop record. Rows are never deleted; deactivation
// clears the active flag and records when.
type Stop struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	AgentType     string     `json:"agent_type"` // ScopeAll for project-wide
	Reason        string     `json:"reason"`
	TriggeredBy   string     `json:"triggered_by"`
	Active        bool       `json:"active"`
	ActivatedAt   time.Time  `json:"activated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// NormalizeScope maps an empty agent scope to ScopeAll.
func NormalizeScope(agentType string) string {
	if agentType == "" {
		return ScopeAll
	}
	return agentType
}

// Covers reports whether s halts work for the given agent type. A
// project-wide stop covers every agent.
func (s *Stop) Covers(agentType string) bool {
	if !s.Active {
		return false
	}
	return s.AgentType == ScopeAll || s.AgentType == NormalizeScope(agentType)
}
