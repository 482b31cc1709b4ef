package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geniusboywonder/bmad/internal/domain/task"
	"github.com/geniusboywonder/bmad/internal/port/workflow"
)

// TaskStore implements workflow.TaskStore using PostgreSQL. It covers only
// the slice of the workflow engine's task table the resume coordinator
// needs.
type TaskStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewTaskStore creates a TaskStore backed by the given connection pool.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool, now: time.Now}
}

var _ workflow.TaskStore = (*TaskStore)(nil)

func (s *TaskStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, project_id, agent_type, title, status, context, error, created_at, updated_at
		 FROM tasks WHERE id = $1`, id)

	var t task.Task
	err := row.Scan(&t.ID, &t.ProjectID, &t.AgentType, &t.Title, &t.Status,
		&t.Context, &t.Error, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

func (s *TaskStore) SetTaskStatus(ctx context.Context, id string, status task.Status, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, error = $3, updated_at = $4 WHERE id = $1`,
		id, status, errMsg, s.now().UTC())
	return execExpectOne(tag, err, "set task %s status %s", id, status)
}

// MergeContext overlays content onto the task's context in one statement;
// jsonb concatenation replaces top-level keys of the same name.
func (s *TaskStore) MergeContext(ctx context.Context, id string, content json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET context = COALESCE(context, '{}'::jsonb) || $2::jsonb, updated_at = $3
		 WHERE id = $1`, id, content, s.now().UTC())
	return execExpectOne(tag, err, "merge context for task %s", id)
}
