package service

import (
	"context"
	"sync"
	"time"

	"github.com/geniusboywonder/bmad/internal/adapter/memory"
	"github.com/geniusboywonder/bmad/internal/config"
	"github.com/geniusboywonder/bmad/internal/domain/budget"
	"github.com/geniusboywonder/bmad/internal/port/messagequeue"
	"github.com/geniusboywonder/bmad/internal/port/notifier"
)

// mockQueue implements messagequeue.Queue for testing.
type mockQueue struct {
	mu        sync.Mutex
	published []struct {
		subject string
		data    []byte
	}
	publishErr error
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

func (q *mockQueue) subjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.published))
	for i, p := range q.published {
		out[i] = p.subject
	}
	return out
}

// mockBroadcaster implements broadcast.Broadcaster for testing.
type mockBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *mockBroadcaster) BroadcastEvent(_ context.Context, eventType string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventType)
}

// mockNotifier implements notifier.Notifier for testing.
type mockNotifier struct {
	mu      sync.Mutex
	name    string
	sent    []notifier.Notification
	sendErr error
}

func (n *mockNotifier) Name() string {
	if n.name == "" {
		return "mock"
	}
	return n.name
}

func (n *mockNotifier) Capabilities() notifier.Capabilities { return notifier.Capabilities{} }

func (n *mockNotifier) Send(_ context.Context, notification notifier.Notification) error {
	if n.sendErr != nil {
		return n.sendErr
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *mockNotifier) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// fixture wires the full service stack over the in-memory store.
type fixture struct {
	store     *memory.Store
	tasks     *memory.TaskStore
	queue     *mockQueue
	hub       *mockBroadcaster
	stops     *StopService
	budgets   *BudgetService
	approvals *ApprovalService
	resume    *ResumeService
}

func testLimits() budget.Limits {
	return budget.Limits{
		DailyTokens:    10_000,
		SessionTokens:  5_000,
		DailyCostUSD:   50,
		SessionCostUSD: 10,
	}
}

func testApprovalConfig() config.Approval {
	return config.Approval{
		DefaultTTLMinutes:  1440,
		WaitPollInterval:   5 * time.Millisecond,
		DefaultWaitTimeout: time.Second,
		SweepInterval:      time.Minute,
	}
}

func newFixture() *fixture {
	f := &fixture{
		store: memory.NewStore(),
		tasks: memory.NewTaskStore(),
		queue: &mockQueue{},
		hub:   &mockBroadcaster{},
	}
	f.stops = NewStopService(f.store, nil, 0, f.queue, f.hub, nil)
	f.budgets = NewBudgetService(f.store, f.stops, testLimits())
	f.approvals = NewApprovalService(f.store, f.budgets, f.stops, testApprovalConfig(), f.queue, f.hub, nil)
	f.resume = NewResumeService(f.store, f.tasks, f.queue, f.hub)
	f.approvals.SetResumeHook(f.resume)
	return f
}

// setClock pins every service in the fixture to the given time.
func (f *fixture) setClock(now time.Time) {
	clock := func() time.Time { return now }
	f.stops.now = clock
	f.budgets.now = clock
	f.approvals.now = clock
	f.resume.now = clock
}
