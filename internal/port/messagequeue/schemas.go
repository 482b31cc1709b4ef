package messagequeue

// ApprovalEventPayload is the schema for approvals.* messages.
type ApprovalEventPayload struct {
	RequestID string `json:"request_id"`
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
	AgentType string `json:"agent_type"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
}

// BudgetDeniedPayload is the schema for budget.denied messages.
type BudgetDeniedPayload struct {
	ProjectID string `json:"project_id"`
	AgentType string `json:"agent_type"`
	Reason    string `json:"reason"`
}

// StopEventPayload is the schema for stops.* messages.
type StopEventPayload struct {
	StopID    string `json:"stop_id"`
	ProjectID string `json:"project_id"`
	AgentType string `json:"agent_type"`
	Reason    string `json:"reason,omitempty"`
	Active    bool   `json:"active"`
}

// TaskTransitionPayload is the schema for workflow.* messages.
type TaskTransitionPayload struct {
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	RequestID string `json:"request_id"`
	Resumed   bool   `json:"resumed"`
	Error     string `json:"error,omitempty"`
}
