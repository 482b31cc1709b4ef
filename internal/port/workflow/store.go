// Package workflow defines the port to the external task/workflow store.
package workflow

import (
	"context"
	"encoding/json"

	"github.com/geniusboywonder/bmad/internal/domain/task"
)

// TaskStore is the slice of the workflow engine's persistence this core
// needs: reading a task, transitioning its status, and merging amended
// content into its phase-handoff context.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// SetTaskStatus transitions the task. errMsg is stored only for
	// failure transitions and may be empty otherwise.
	SetTaskStatus(ctx context.Context, id string, status task.Status, errMsg string) error

	// MergeContext overlays content onto the task's persisted context so
	// the next phase sees the human-edited version. Top-level keys in
	// content replace keys of the same name.
	MergeContext(ctx context.Context, id string, content json.RawMessage) error
}
