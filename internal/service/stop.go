package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/geniusboywonder/bmad/internal/domain"
	"github.com/geniusboywonder/bmad/internal/domain/agent"
	"github.com/geniusboywonder/bmad/internal/domain/stop"
	"github.com/geniusboywonder/bmad/internal/port/broadcast"
	"github.com/geniusboywonder/bmad/internal/port/cache"
	"github.com/geniusboywonder/bmad/internal/port/database"
	"github.com/geniusboywonder/bmad/internal/port/messagequeue"
	"github.com/geniusboywonder/bmad/internal/port/notifier"
)

// StopService manages emergency stops: operator-triggered kill switches
// halting all or one agent's activity in a project. Lookups go through an
// optional per-project cache invalidated on every trigger and deactivate.
type StopService struct {
	store    database.Store
	cache    cache.Cache
	cacheTTL time.Duration
	emitter
	now func() time.Time // for testing
}

// NewStopService creates a StopService. cache, queue, hub and notify may be
// nil; lookups then always hit the store and no events are emitted.
func NewStopService(store database.Store, c cache.Cache, cacheTTL time.Duration, queue messagequeue.Queue, hub broadcast.Broadcaster, notify *NotificationService) *StopService {
	return &StopService{
		store:    store,
		cache:    c,
		cacheTTL: cacheTTL,
		emitter:  emitter{queue: queue, hub: hub, notify: notify},
		now:      time.Now,
	}
}

// Trigger activates an emergency stop for (projectID, agentType). An empty
// agentType scopes the stop to the whole project. If an equivalent active
// stop already exists its record is returned unchanged, so repeated panic
// clicks never stack duplicate stops.
func (s *StopService) Trigger(ctx context.Context, projectID, agentType, reason, triggeredBy string) (*stop.Stop, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", domain.ErrValidation)
	}
	scope := stop.NormalizeScope(agentType)
	if scope != stop.ScopeAll && !agent.Known(agent.Type(scope)) {
		return nil, fmt.Errorf("%w: unknown agent_type %q", domain.ErrValidation, agentType)
	}

	active, err := s.store.ListActiveStops(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for i := range active {
		if active[i].AgentType == scope {
			slog.Info("emergency stop already active",
				"stop_id", active[i].ID,
				"project_id", projectID,
				"scope", scope,
			)
			return &active[i], nil
		}
	}

	st := &stop.Stop{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		AgentType:   scope,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		Active:      true,
		ActivatedAt: s.now().UTC(),
	}
	if err := s.store.CreateStop(ctx, st); err != nil {
		// Two triggers raced past the pre-check; the store admitted exactly
		// one active stop for the scope. Return the winner.
		if errors.Is(err, domain.ErrConflict) {
			winners, lerr := s.store.ListActiveStops(ctx, projectID)
			if lerr != nil {
				return nil, lerr
			}
			for i := range winners {
				if winners[i].AgentType == scope {
					return &winners[i], nil
				}
			}
		}
		return nil, err
	}
	s.invalidate(ctx, projectID)

	slog.Warn("emergency stop triggered",
		"stop_id", st.ID,
		"project_id", projectID,
		"scope", scope,
		"triggered_by", triggeredBy,
	)

	s.publish(ctx, messagequeue.SubjectStopTriggered, messagequeue.StopEventPayload{
		StopID:    st.ID,
		ProjectID: st.ProjectID,
		AgentType: st.AgentType,
		Reason:    st.Reason,
		Active:    true,
	})
	s.broadcast(ctx, broadcast.EventStopTriggered, st)
	s.send(ctx, notifier.Notification{
		Title:   "Emergency stop triggered",
		Message: fmt.Sprintf("project %s, scope %s: %s", st.ProjectID, st.AgentType, st.Reason),
		Level:   "error",
		Source:  broadcast.EventStopTriggered,
	})

	return st, nil
}

// Deactivate ends the stop with the given id. Unknown ids fail with
// domain.ErrNotFound; deactivating an already inactive stop is a no-op.
func (s *StopService) Deactivate(ctx context.Context, id string) error {
	st, err := s.store.GetStop(ctx, id)
	if err != nil {
		return err
	}
	if !st.Active {
		return nil
	}
	if err := s.store.DeactivateStop(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	s.invalidate(ctx, st.ProjectID)

	slog.Info("emergency stop deactivated", "stop_id", id, "project_id", st.ProjectID, "scope", st.AgentType)

	s.publish(ctx, messagequeue.SubjectStopDeactivated, messagequeue.StopEventPayload{
		StopID:    st.ID,
		ProjectID: st.ProjectID,
		AgentType: st.AgentType,
		Active:    false,
	})
	s.broadcast(ctx, broadcast.EventStopDeactivated, st)
	s.send(ctx, notifier.Notification{
		Title:   "Emergency stop deactivated",
		Message: fmt.Sprintf("project %s, scope %s", st.ProjectID, st.AgentType),
		Level:   "info",
		Source:  broadcast.EventStopDeactivated,
	})

	return nil
}

// IsStopped reports whether an active stop covers (projectID, agentType):
// either a project-wide stop or one matching the agent exactly.
func (s *StopService) IsStopped(ctx context.Context, projectID, agentType string) (bool, error) {
	stops, err := s.activeStops(ctx, projectID)
	if err != nil {
		return false, err
	}
	for i := range stops {
		if stops[i].Covers(agentType) {
			return true, nil
		}
	}
	return false, nil
}

// Get returns a stop by id.
func (s *StopService) Get(ctx context.Context, id string) (*stop.Stop, error) {
	return s.store.GetStop(ctx, id)
}

// ListActive returns the active stops for a project.
func (s *StopService) ListActive(ctx context.Context, projectID string) ([]stop.Stop, error) {
	return s.store.ListActiveStops(ctx, projectID)
}

// activeStops returns the project's active stops, from cache when possible.
func (s *StopService) activeStops(ctx context.Context, projectID string) ([]stop.Stop, error) {
	key := stopCacheKey(projectID)

	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var stops []stop.Stop
			if err := json.Unmarshal(data, &stops); err == nil {
				return stops, nil
			}
		}
	}

	stops, err := s.store.ListActiveStops(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(stops); err == nil {
			if err := s.cache.Set(ctx, key, data, s.cacheTTL); err != nil && !errors.Is(err, context.Canceled) {
				slog.Debug("stop cache set failed", "project_id", projectID, "error", err)
			}
		}
	}

	return stops, nil
}

func (s *StopService) invalidate(ctx context.Context, projectID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, stopCacheKey(projectID)); err != nil {
		slog.Debug("stop cache invalidate failed", "project_id", projectID, "error", err)
	}
}

func stopCacheKey(projectID string) string {
	return "stops:active:" + projectID
}
