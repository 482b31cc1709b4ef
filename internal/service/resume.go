package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/geniusboywonder/bmad/internal/domain"
	"github.com/geniusboywonder/bmad/internal/domain/approval"
	"github.com/geniusboywonder/bmad/internal/domain/task"
	"github.com/geniusboywonder/bmad/internal/port/broadcast"
	"github.com/geniusboywonder/bmad/internal/port/database"
	"github.com/geniusboywonder/bmad/internal/port/messagequeue"
	"github.com/geniusboywonder/bmad/internal/port/workflow"
)

// ResumeService translates a resolved approval into a task-store
// transition: a rejection fails the owning task, an approval releases it
// back to the scheduler, and an amended approval first merges the
// human-edited content into the task's context so the next phase sees it
// instead of the original agent output.
type ResumeService struct {
	approvals database.Store
	tasks     workflow.TaskStore
	emitter
	now func() time.Time // for testing
}

// NewResumeService creates a ResumeService. queue and hub may be nil.
func NewResumeService(approvals database.Store, tasks workflow.TaskStore, queue messagequeue.Queue, hub broadcast.Broadcaster) *ResumeService {
	return &ResumeService{
		approvals: approvals,
		tasks:     tasks,
		emitter:   emitter{queue: queue, hub: hub},
		now:       time.Now,
	}
}

// OnApprovalResolved applies the outcome of the resolved request to the
// owning task and reports whether the workflow resumed. A vanished or
// terminal task is logged and swallowed: resuming a finished workflow is a
// no-op, not an error.
func (s *ResumeService) OnApprovalResolved(ctx context.Context, requestID string) (bool, error) {
	req, err := s.approvals.GetApproval(ctx, requestID)
	if err != nil {
		return false, err
	}
	if !req.Status.Terminal() {
		return false, fmt.Errorf("%w: request %s is still %s", domain.ErrInvalidState, requestID, req.Status)
	}

	t, err := s.tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("resolved approval references missing task",
				"request_id", requestID,
				"task_id", req.TaskID,
			)
			return false, nil
		}
		return false, err
	}
	if t.Status.Terminal() {
		slog.Info("task already terminal, skipping resume",
			"request_id", requestID,
			"task_id", t.ID,
			"task_status", t.Status,
		)
		return false, nil
	}

	switch req.Status {
	case approval.StatusRejected:
		return false, s.halt(ctx, req, t, rejectionError(req.Comment))
	case approval.StatusExpired:
		return false, s.halt(ctx, req, t, "approval expired")
	case approval.StatusApproved:
		return s.resume(ctx, req, t)
	default:
		return false, fmt.Errorf("%w: unexpected approval status %s", domain.ErrInvalidState, req.Status)
	}
}

func (s *ResumeService) resume(ctx context.Context, req *approval.Request, t *task.Task) (bool, error) {
	if req.Amended() {
		if err := s.tasks.MergeContext(ctx, t.ID, req.AmendedContent); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				slog.Warn("task vanished during amendment merge", "task_id", t.ID)
				return false, nil
			}
			return false, err
		}
		slog.Info("amended content merged into task context",
			"request_id", req.ID,
			"task_id", t.ID,
		)
	}

	if err := s.tasks.SetTaskStatus(ctx, t.ID, task.StatusPending, ""); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("task vanished during resume", "task_id", t.ID)
			return false, nil
		}
		return false, err
	}

	slog.Info("workflow resumed",
		"request_id", req.ID,
		"task_id", t.ID,
		"amended", req.Amended(),
	)

	s.publish(ctx, messagequeue.SubjectTaskResumed, messagequeue.TaskTransitionPayload{
		TaskID:    t.ID,
		ProjectID: req.ProjectID,
		RequestID: req.ID,
		Resumed:   true,
	})
	s.broadcast(ctx, broadcast.EventTaskResumed, t)

	return true, nil
}

func (s *ResumeService) halt(ctx context.Context, req *approval.Request, t *task.Task, errMsg string) error {
	if err := s.tasks.SetTaskStatus(ctx, t.ID, task.StatusFailed, errMsg); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("task vanished during halt", "task_id", t.ID)
			return nil
		}
		return err
	}

	slog.Info("workflow halted",
		"request_id", req.ID,
		"task_id", t.ID,
		"reason", errMsg,
	)

	s.publish(ctx, messagequeue.SubjectTaskHalted, messagequeue.TaskTransitionPayload{
		TaskID:    t.ID,
		ProjectID: req.ProjectID,
		RequestID: req.ID,
		Resumed:   false,
		Error:     errMsg,
	})
	s.broadcast(ctx, broadcast.EventTaskHalted, t)

	return nil
}

func rejectionError(comment string) string {
	if comment == "" {
		return "approval rejected"
	}
	return "approval rejected: " + comment
}
