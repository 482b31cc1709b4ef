package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/geniusboywonder/bmad/internal/domain"
	"github.com/geniusboywonder/bmad/internal/domain/budget"
	"github.com/geniusboywonder/bmad/internal/port/database"
)

// BudgetService tracks per-project, per-agent token and cost consumption
// against daily and session limits. CheckLimits is an advisory read and
// CommitUsage the only mutator; the window between them is deliberately
// untransacted, so a concurrent commit can land in between.
type BudgetService struct {
	store    database.Store
	stops    *StopService
	defaults budget.Limits
	now      func() time.Time // for testing
}

// NewBudgetService creates a BudgetService. stops may be nil, in which case
// checks skip the emergency-stop consult. defaults supplies the limits for
// counters that do not carry explicit ones.
func NewBudgetService(store database.Store, stops *StopService, defaults budget.Limits) *BudgetService {
	return &BudgetService{
		store:    store,
		stops:    stops,
		defaults: defaults,
		now:      time.Now,
	}
}

// CheckLimits reports whether (projectID, agentType) may spend the
// additional tokens and cost. It mutates nothing. An active emergency stop
// covering the scope denies before any budget arithmetic; budget checks then
// run in a fixed order (daily tokens, session tokens, daily cost, session
// cost) with the first failure's reason returned. A missing counter row is
// not an error: nothing has been spent yet, so the check evaluates against
// the default limits.
func (s *BudgetService) CheckLimits(ctx context.Context, projectID, agentType string, additionalTokens int64, additionalCost float64) (*budget.CheckResult, error) {
	if s.stops != nil {
		stopped, err := s.stops.IsStopped(ctx, projectID, agentType)
		if err != nil {
			return nil, err
		}
		if stopped {
			return &budget.CheckResult{
				Approved: false,
				Reason:   fmt.Sprintf("emergency stop active for %s/%s", projectID, agentType),
			}, nil
		}
	}

	counter, err := s.counterOrDefault(ctx, projectID, agentType)
	if err != nil {
		return nil, err
	}

	res := counter.Evaluate(additionalTokens, additionalCost)
	if !res.Approved {
		slog.Info("budget check denied",
			"project_id", projectID,
			"agent_type", agentType,
			"reason", res.Reason,
		)
	}
	return &res, nil
}

// CommitUsage adds consumed tokens and cost to the counter, creating the row
// with used equal to the committed amount when absent. Committing twice
// double-charges; deduplication is the caller's responsibility.
func (s *BudgetService) CommitUsage(ctx context.Context, projectID, agentType string, tokens int64, cost float64) error {
	if projectID == "" || agentType == "" {
		return fmt.Errorf("%w: project_id and agent_type are required", domain.ErrValidation)
	}
	if tokens < 0 || cost < 0 {
		return fmt.Errorf("%w: usage must not be negative", domain.ErrValidation)
	}
	if err := s.store.AddUsage(ctx, projectID, agentType, tokens, cost, s.defaults, s.now().UTC()); err != nil {
		return err
	}
	slog.Debug("usage committed",
		"project_id", projectID,
		"agent_type", agentType,
		"tokens", tokens,
		"cost_usd", cost,
	)
	return nil
}

// ResetDailyCounters zeroes daily usage for every counter whose last reset
// date precedes today, leaving session counters untouched. Returns how many
// counters were reset.
func (s *BudgetService) ResetDailyCounters(ctx context.Context) (int, error) {
	n, err := s.store.ResetDailyCounters(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("daily budget counters reset", "count", n)
	}
	return n, nil
}

// ResetSessionCounters zeroes the session usage for one (project, agent)
// pair. Session boundaries are caller-defined; there is no automatic
// session detection.
func (s *BudgetService) ResetSessionCounters(ctx context.Context, projectID, agentType string) error {
	return s.store.ResetSessionCounters(ctx, projectID, agentType, s.now().UTC())
}

// GetCounter returns the counter for (projectID, agentType). A pair that has
// never committed usage yields a zero-usage counter with the default limits.
func (s *BudgetService) GetCounter(ctx context.Context, projectID, agentType string) (*budget.Counter, error) {
	return s.counterOrDefault(ctx, projectID, agentType)
}

// ListCounters returns every counter recorded for a project.
func (s *BudgetService) ListCounters(ctx context.Context, projectID string) ([]budget.Counter, error) {
	return s.store.ListCounters(ctx, projectID)
}

// RunDailyResetLoop periodically applies the daily reset until ctx is
// cancelled. Intended to run in a background goroutine.
func (s *BudgetService) RunDailyResetLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.ResetDailyCounters(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("daily budget reset failed", "error", err)
			}
		}
	}
}

func (s *BudgetService) counterOrDefault(ctx context.Context, projectID, agentType string) (*budget.Counter, error) {
	counter, err := s.store.GetCounter(ctx, projectID, agentType)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			now := s.now().UTC()
			return &budget.Counter{
				ProjectID:         projectID,
				AgentType:         agentType,
				DailyTokenLimit:   s.defaults.DailyTokens,
				SessionTokenLimit: s.defaults.SessionTokens,
				DailyCostLimit:    s.defaults.DailyCostUSD,
				SessionCostLimit:  s.defaults.SessionCostUSD,
				LastReset:         now,
				UpdatedAt:         now,
			}, nil
		}
		return nil, err
	}
	return counter, nil
}
