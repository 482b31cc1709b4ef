package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/geniusboywonder/bmad/internal/domain/budget"
)

const counterColumns = `project_id, agent_type, tokens_used_today, tokens_used_session,
	daily_token_limit, session_token_limit, daily_cost_used, daily_cost_limit,
	session_cost_used, session_cost_limit, last_reset, updated_at`

// --- Budget counters ---

func (s *Store) GetCounter(ctx context.Context, projectID, agentType string) (*budget.Counter, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+counterColumns+` FROM budget_counters
		 WHERE project_id = $1 AND agent_type = $2`, projectID, agentType)

	c, err := scanCounter(row)
	if err != nil {
		return nil, notFoundWrap(err, "get counter %s/%s", projectID, agentType)
	}
	return &c, nil
}

// AddUsage upserts the counter in one statement: a new row starts with used
// equal to the committed amount, an existing row accumulates.
func (s *Store) AddUsage(ctx context.Context, projectID, agentType string, tokens int64, cost float64, limits budget.Limits, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_counters
		   (project_id, agent_type, tokens_used_today, tokens_used_session,
		    daily_cost_used, session_cost_used,
		    daily_token_limit, session_token_limit, daily_cost_limit, session_cost_limit,
		    last_reset, updated_at)
		 VALUES ($1, $2, $3, $3, $4, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (project_id, agent_type) DO UPDATE SET
		   tokens_used_today   = budget_counters.tokens_used_today + EXCLUDED.tokens_used_today,
		   tokens_used_session = budget_counters.tokens_used_session + EXCLUDED.tokens_used_session,
		   daily_cost_used     = budget_counters.daily_cost_used + EXCLUDED.daily_cost_used,
		   session_cost_used   = budget_counters.session_cost_used + EXCLUDED.session_cost_used,
		   updated_at          = EXCLUDED.updated_at`,
		projectID, agentType, tokens, cost,
		limits.DailyTokens, limits.SessionTokens, limits.DailyCostUSD, limits.SessionCostUSD, now)
	if err != nil {
		return fmt.Errorf("add usage %s/%s: %w", projectID, agentType, err)
	}
	return nil
}

func (s *Store) ResetDailyCounters(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE budget_counters
		 SET tokens_used_today = 0, daily_cost_used = 0, last_reset = $1, updated_at = $1
		 WHERE last_reset::date < $1::date`, now)
	if err != nil {
		return 0, fmt.Errorf("reset daily counters: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ResetSessionCounters(ctx context.Context, projectID, agentType string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE budget_counters
		 SET tokens_used_session = 0, session_cost_used = 0, updated_at = $3
		 WHERE project_id = $1 AND agent_type = $2`, projectID, agentType, now)
	return execExpectOne(tag, err, "reset session counters %s/%s", projectID, agentType)
}

func (s *Store) ListCounters(ctx context.Context, projectID string) ([]budget.Counter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+counterColumns+` FROM budget_counters
		 WHERE project_id = $1 ORDER BY agent_type`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list counters for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []budget.Counter
	for rows.Next() {
		c, err := scanCounter(rows)
		if err != nil {
			return nil, fmt.Errorf("list counters for project %s: %w", projectID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCounter(row scannable) (budget.Counter, error) {
	var c budget.Counter
	err := row.Scan(
		&c.ProjectID, &c.AgentType, &c.TokensUsedToday, &c.TokensUsedSession,
		&c.DailyTokenLimit, &c.SessionTokenLimit, &c.DailyCostUsed, &c.DailyCostLimit,
		&c.SessionCostUsed, &c.SessionCostLimit, &c.LastReset, &c.UpdatedAt)
	return c, err
}
