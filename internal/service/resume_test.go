package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/geniusboywonder/bmad/internal/domain/approval"
	"github.com/geniusboywonder/bmad/internal/domain/task"
	"github.com/geniusboywonder/bmad/internal/port/database"
)

// seedResolved plants a resolved approval request directly in the store so
// the coordinator can be exercised in isolation.
func seedResolved(t *testing.T, f *fixture, taskID string, resp database.ApprovalResponse) string {
	t.Helper()
	now := time.Now().UTC()
	req := &approval.Request{
		ID:        "req-" + taskID,
		ProjectID: "p1",
		TaskID:    taskID,
		AgentType: "coder",
		Kind:      approval.KindResponseReview,
		Status:    approval.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := f.store.CreateApproval(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "" {
		resp.RespondedAt = now
		if err := f.store.RespondApproval(context.Background(), req.ID, resp); err != nil {
			t.Fatal(err)
		}
	}
	return req.ID
}

func TestOnApprovalResolvedReject(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.tasks.Put(&task.Task{ID: "t1", ProjectID: "p1", Status: task.StatusWaitingForHITL})
	id := seedResolved(t, f, "t1", database.ApprovalResponse{
		Status:    approval.StatusRejected,
		Responder: "alice",
		Comment:   "not ready",
	})

	resumed, err := f.resume.OnApprovalResolved(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resumed {
		t.Fatal("rejection must not resume the workflow")
	}

	got, _ := f.tasks.GetTask(ctx, "t1")
	if got.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "not ready") {
		t.Fatalf("error message should carry the comment, got %q", got.Error)
	}
}

func TestOnApprovalResolvedApprove(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.tasks.Put(&task.Task{ID: "t1", ProjectID: "p1", Status: task.StatusWaitingForHITL})
	id := seedResolved(t, f, "t1", database.ApprovalResponse{
		Status:    approval.StatusApproved,
		Responder: "alice",
	})

	resumed, err := f.resume.OnApprovalResolved(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resumed {
		t.Fatal("approval must resume the workflow")
	}

	got, _ := f.tasks.GetTask(ctx, "t1")
	if got.Status != task.StatusPending {
		t.Fatalf("expected task released to scheduler, got %s", got.Status)
	}
}

func TestOnApprovalResolvedAmendMergesContext(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.tasks.Put(&task.Task{
		ID:        "t1",
		ProjectID: "p1",
		Status:    task.StatusWaitingForHITL,
		Context:   json.RawMessage(`{"output":"agent draft","phase":"review"}`),
	})
	id := seedResolved(t, f, "t1", database.ApprovalResponse{
		Status:         approval.StatusApproved,
		Responder:      "alice",
		AmendedContent: json.RawMessage(`{"output":"human edit"}`),
	})

	resumed, err := f.resume.OnApprovalResolved(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !resumed {
		t.Fatal("amended approval must resume")
	}

	got, _ := f.tasks.GetTask(ctx, "t1")
	var m map[string]string
	if err := json.Unmarshal(got.Context, &m); err != nil {
		t.Fatal(err)
	}
	if m["output"] != "human edit" {
		t.Fatalf("expected amended output, got %q", m["output"])
	}
	if m["phase"] != "review" {
		t.Fatalf("untouched keys must survive the merge, got %v", m)
	}
}

func TestOnApprovalResolvedMissingTaskSwallowed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	id := seedResolved(t, f, "gone", database.ApprovalResponse{
		Status:    approval.StatusApproved,
		Responder: "alice",
	})

	resumed, err := f.resume.OnApprovalResolved(ctx, id)
	if err != nil {
		t.Fatalf("missing task must be swallowed, got %v", err)
	}
	if resumed {
		t.Fatal("nothing to resume")
	}
}

func TestOnApprovalResolvedTerminalTaskSwallowed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.tasks.Put(&task.Task{ID: "t1", ProjectID: "p1", Status: task.StatusCompleted})
	id := seedResolved(t, f, "t1", database.ApprovalResponse{
		Status:    approval.StatusApproved,
		Responder: "alice",
	})

	resumed, err := f.resume.OnApprovalResolved(ctx, id)
	if err != nil {
		t.Fatalf("terminal task must be swallowed, got %v", err)
	}
	if resumed {
		t.Fatal("finished workflow must not resume")
	}

	got, _ := f.tasks.GetTask(ctx, "t1")
	if got.Status != task.StatusCompleted {
		t.Fatalf("terminal task must be untouched, got %s", got.Status)
	}
}

func TestOnApprovalResolvedPendingRequest(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.tasks.Put(&task.Task{ID: "t1", ProjectID: "p1", Status: task.StatusWaitingForHITL})
	id := seedResolved(t, f, "t1", database.ApprovalResponse{}) // left pending

	if _, err := f.resume.OnApprovalResolved(ctx, id); err == nil {
		t.Fatal("expected error for a still-pending request")
	}
}
