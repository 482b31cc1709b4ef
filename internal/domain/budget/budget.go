// Package budget defines per-project, per-agent token and cost accounting
// against daily and session limits.
package budget

import (
	"fmt"
	"time"
)

// Counter tracks token and USD consumption for one (project, agent) pair.
// Daily fields reset on wall-clock date rollover; session fields reset only
// when a caller explicitly asks.
type Counter struct {
	ProjectID         string    `json:"project_id"`
	AgentType         string    `json:"agent_type"`
	TokensUsedToday   int64     `json:"tokens_used_today"`
	TokensUsedSession int64     `json:"tokens_used_session"`
	DailyTokenLimit   int64     `json:"daily_token_limit"`
	SessionTokenLimit int64     `json:"session_token_limit"`
	DailyCostUsed     float64   `json:"daily_cost_used"`
	DailyCostLimit    float64   `json:"daily_cost_limit"`
	SessionCostUsed   float64   `json:"session_cost_used"`
	SessionCostLimit  float64   `json:"session_cost_limit"`
	LastReset         time.Time `json:"last_reset"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Limits holds the four tracked ceilings. A zero or negative limit means
// unlimited for that quantity.
type Limits struct {
	DailyTokens    int64   `json:"daily_tokens"`
	SessionTokens  int64   `json:"session_tokens"`
	DailyCostUSD   float64 `json:"daily_cost_usd"`
	SessionCostUSD float64 `json:"session_cost_usd"`
}

// CheckResult is the outcome of an advisory limit check. It never reflects
// a reservation: usage is only recorded by an explicit commit.
type CheckResult struct {
	Approved               bool   `json:"approved"`
	Reason                 string `json:"reason,omitempty"`
	RemainingDailyTokens   int64  `json:"remaining_daily_tokens"`
	RemainingSessionTokens int64  `json:"remaining_session_tokens"`
}

// LimitError reports which budget ceiling a denied admission ran into.
type LimitError struct {
	ProjectID string
	AgentType string
	Reason    string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("budget limit exceeded for %s/%s: %s", e.ProjectID, e.AgentType, e.Reason)
}

// Evaluate checks whether committing the additional amounts would exceed any
// tracked limit. Checks run in a fixed order (daily tokens, session tokens,
// daily cost, session cost) and the first failure wins.
func (c *Counter) Evaluate(additionalTokens int64, additionalCost float64) CheckResult {
	res := CheckResult{
		Approved:               true,
		RemainingDailyTokens:   remainingTokens(c.DailyTokenLimit, c.TokensUsedToday),
		RemainingSessionTokens: remainingTokens(c.SessionTokenLimit, c.TokensUsedSession),
	}

	switch {
	case exceedsTokens(c.TokensUsedToday, additionalTokens, c.DailyTokenLimit):
		res.Approved = false
		res.Reason = fmt.Sprintf("daily limit: %d tokens used of %d, requested %d more",
			c.TokensUsedToday, c.DailyTokenLimit, additionalTokens)
	case exceedsTokens(c.TokensUsedSession, additionalTokens, c.SessionTokenLimit):
		res.Approved = false
		res.Reason = fmt.Sprintf("session limit: %d tokens used of %d, requested %d more",
			c.TokensUsedSession, c.SessionTokenLimit, additionalTokens)
	case exceedsCost(c.DailyCostUsed, additionalCost, c.DailyCostLimit):
		res.Approved = false
		res.Reason = fmt.Sprintf("daily cost limit: $%.4f used of $%.4f, requested $%.4f more",
			c.DailyCostUsed, c.DailyCostLimit, additionalCost)
	case exceedsCost(c.SessionCostUsed, additionalCost, c.SessionCostLimit):
		res.Approved = false
		res.Reason = fmt.Sprintf("session cost limit: $%.4f used of $%.4f, requested $%.4f more",
			c.SessionCostUsed, c.SessionCostLimit, additionalCost)
	}

	return res
}

func exceedsTokens(used, additional, limit int64) bool {
	return limit > 0 && used+additional > limit
}

func exceedsCost(used, additional, limit float64) bool {
	return limit > 0 && used+additional > limit
}

func remainingTokens(limit, used int64) int64 {
	if limit <= 0 {
		return -1 // unlimited
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
