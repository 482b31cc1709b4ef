// Package memory provides in-process implementations of the persistence
// ports, used by dev mode and tests. All operations are safe for concurrent
// use and return copies, never aliases into internal state.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/geniusboywonder/bmad/internal/domain"
	"github.com/geniusboywonder/bmad/internal/domain/approval"
	"github.com/geniusboywonder/bmad/internal/domain/budget"
	"github.com/geniusboywonder/bmad/internal/domain/stop"
	"github.com/geniusboywonder/bmad/internal/port/database"
)

// Store implements database.Store backed by maps.
type Store struct {
	mu        sync.RWMutex
	approvals map[string]*approval.Request
	counters  map[string]*budget.Counter
	stops     map[string]*stop.Stop
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		approvals: make(map[string]*approval.Request),
		counters:  make(map[string]*budget.Counter),
		stops:     make(map[string]*stop.Stop),
	}
}

var _ database.Store = (*Store)(nil)

// --- Approvals ---

// CreateApproval inserts a new request. Mirroring the relational store's
// partial unique index, a second PENDING row for the same (task, kind) is
// rejected with domain.ErrConflict.
func (s *Store) CreateApproval(_ context.Context, req *approval.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.approvals[req.ID]; ok {
		return fmt.Errorf("approval %s: %w", req.ID, domain.ErrConflict)
	}
	if req.Status == approval.StatusPending {
		for _, existing := range s.approvals {
			if existing.TaskID == req.TaskID && existing.Kind == req.Kind && existing.Status == approval.StatusPending {
				return fmt.Errorf("pending approval exists for task %s kind %s: %w", req.TaskID, req.Kind, domain.ErrConflict)
			}
		}
	}

	cp := *req
	s.approvals[req.ID] = &cp
	return nil
}

func (s *Store) GetApproval(_ context.Context, id string) (*approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, domain.ErrNotFound)
	}
	cp := *req
	return &cp, nil
}

func (s *Store) FindActiveApproval(_ context.Context, taskID string, kind approval.Kind, now time.Time) (*approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *approval.Request
	for _, req := range s.approvals {
		if req.TaskID != taskID || req.Kind != kind {
			continue
		}
		live := req.Status == approval.StatusApproved ||
			(req.Status == approval.StatusPending && !req.ExpiredAt(now))
		if !live {
			continue
		}
		if best == nil || req.CreatedAt.After(best.CreatedAt) {
			best = req
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no active approval for task %s kind %s: %w", taskID, kind, domain.ErrNotFound)
	}
	cp := *best
	return &cp, nil
}

func (s *Store) RespondApproval(_ context.Context, id string, resp database.ApprovalResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.approvals[id]
	if !ok {
		return fmt.Errorf("approval %s: %w", id, domain.ErrNotFound)
	}
	if req.Status != approval.StatusPending {
		return fmt.Errorf("approval %s is %s: %w", id, req.Status, domain.ErrInvalidState)
	}

	respondedAt := resp.RespondedAt
	req.Status = resp.Status
	req.Responder = resp.Responder
	req.Comment = resp.Comment
	req.AmendedContent = resp.AmendedContent
	req.RespondedAt = &respondedAt
	return nil
}

func (s *Store) ExpireApprovals(_ context.Context, now time.Time) ([]approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []approval.Request
	for _, req := range s.approvals {
		if req.Status == approval.StatusPending && req.ExpiredAt(now) {
			req.Status = approval.StatusExpired
			expired = append(expired, *req)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	return expired, nil
}

func (s *Store) ListApprovalsByProject(_ context.Context, projectID string, status approval.Status) ([]approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []approval.Request
	for _, req := range s.approvals {
		if req.ProjectID != projectID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Budget counters ---

func counterKey(projectID, agentType string) string {
	return projectID + "/" + agentType
}

func (s *Store) GetCounter(_ context.Context, projectID, agentType string) (*budget.Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.counters[counterKey(projectID, agentType)]
	if !ok {
		return nil, fmt.Errorf("counter %s/%s: %w", projectID, agentType, domain.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) AddUsage(_ context.Context, projectID, agentType string, tokens int64, cost float64, limits budget.Limits, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey(projectID, agentType)
	c, ok := s.counters[key]
	if !ok {
		c = &budget.Counter{
			ProjectID:         projectID,
			AgentType:         agentType,
			DailyTokenLimit:   limits.DailyTokens,
			SessionTokenLimit: limits.SessionTokens,
			DailyCostLimit:    limits.DailyCostUSD,
			SessionCostLimit:  limits.SessionCostUSD,
			LastReset:         now,
		}
		s.counters[key] = c
	}
	c.TokensUsedToday += tokens
	c.TokensUsedSession += tokens
	c.DailyCostUsed += cost
	c.SessionCostUsed += cost
	c.UpdatedAt = now
	return nil
}

func (s *Store) ResetDailyCounters(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	today := now.Truncate(24 * time.Hour)
	for _, c := range s.counters {
		if c.LastReset.Truncate(24 * time.Hour).Before(today) {
			c.TokensUsedToday = 0
			c.DailyCostUsed = 0
			c.LastReset = now
			c.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (s *Store) ResetSessionCounters(_ context.Context, projectID, agentType string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[counterKey(projectID, agentType)]
	if !ok {
		return fmt.Errorf("counter %s/%s: %w", projectID, agentType, domain.ErrNotFound)
	}
	c.TokensUsedSession = 0
	c.SessionCostUsed = 0
	c.UpdatedAt = now
	return nil
}

func (s *Store) ListCounters(_ context.Context, projectID string) ([]budget.Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []budget.Counter
	for _, c := range s.counters {
		if c.ProjectID == projectID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentType < out[j].AgentType })
	return out, nil
}

// --- Emergency stops ---

// CreateStop inserts a new stop. Mirroring the relational store's partial
// unique index, a second ACTIVE stop for the same (project, scope) is
// rejected with domain.ErrConflict.
func (s *Store) CreateStop(_ context.Context, st *stop.Stop) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stops[st.ID]; ok {
		return fmt.Errorf("stop %s: %w", st.ID, domain.ErrConflict)
	}
	if st.Active {
		for _, existing := range s.stops {
			if existing.Active && existing.ProjectID == st.ProjectID && existing.AgentType == st.AgentType {
				return fmt.Errorf("active stop exists for project %s scope %s: %w", st.ProjectID, st.AgentType, domain.ErrConflict)
			}
		}
	}
	cp := *st
	s.stops[st.ID] = &cp
	return nil
}

func (s *Store) GetStop(_ context.Context, id string) (*stop.Stop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stops[id]
	if !ok {
		return nil, fmt.Errorf("stop %s: %w", id, domain.ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (s *Store) DeactivateStop(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stops[id]
	if !ok {
		return fmt.Errorf("stop %s: %w", id, domain.ErrNotFound)
	}
	if !st.Active {
		return nil
	}
	st.Active = false
	st.DeactivatedAt = &now
	return nil
}

func (s *Store) ListActiveStops(_ context.Context, projectID string) ([]stop.Stop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []stop.Stop
	for _, st := range s.stops {
		if st.ProjectID == projectID && st.Active {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivatedAt.Before(out[j].ActivatedAt) })
	return out, nil
}
