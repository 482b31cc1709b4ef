package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/geniusboywonder/bmad/internal/domain"
	"github.com/geniusboywonder/bmad/internal/domain/task"
	"github.com/geniusboywonder/bmad/internal/port/workflow"
)

// TaskStore implements workflow.TaskStore backed by a map. The real task
// store belongs to the workflow engine; this one exists for dev mode and
// tests.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
	now   func() time.Time
}

// NewTaskStore creates an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[string]*task.Task),
		now:   time.Now,
	}
}

var _ workflow.TaskStore = (*TaskStore)(nil)

// Put inserts or replaces a task.
func (s *TaskStore) Put(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
}

func (s *TaskStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *TaskStore) SetTaskStatus(_ context.Context, id string, status task.Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	t.Status = status
	t.Error = errMsg
	t.UpdatedAt = s.now().UTC()
	return nil
}

// MergeContext overlays content onto the task's context; top-level keys in
// content replace keys of the same name.
func (s *TaskStore) MergeContext(_ context.Context, id string, content json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}

	merged, err := mergeJSON(t.Context, content)
	if err != nil {
		return fmt.Errorf("merge context for task %s: %w", id, err)
	}
	t.Context = merged
	t.UpdatedAt = s.now().UTC()
	return nil
}

func mergeJSON(base, overlay json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("base context: %w", err)
		}
	}
	patch := make(map[string]json.RawMessage)
	if err := json.Unmarshal(overlay, &patch); err != nil {
		return nil, fmt.Errorf("amended content: %w", err)
	}
	for k, v := range patch {
		merged[k] = v
	}
	return json.Marshal(merged)
}
