package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/geniusboywonder/bmad/internal/adapter/memory"
	"github.com/geniusboywonder/bmad/internal/domain"
	"github.com/geniusboywonder/bmad/internal/domain/stop"
	"github.com/geniusboywonder/bmad/internal/port/database"
	"github.com/geniusboywonder/bmad/internal/port/messagequeue"
)

// mapCache implements cache.Cache for testing.
type mapCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	gets    int
	hits    int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string][]byte)}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func TestTriggerDeduplicates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.stops.Trigger(ctx, "p1", "coder", "looping", "ops")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.stops.Trigger(ctx, "p1", "coder", "still looping", "ops")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected existing stop reused, got %s and %s", first.ID, second.ID)
	}

	// A different scope in the same project is a separate stop.
	other, err := f.stops.Trigger(ctx, "p1", "tester", "flaky", "ops")
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == first.ID {
		t.Fatal("different scope must create a new stop")
	}

	active, err := f.stops.ListActive(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active stops, got %d", len(active))
	}
}

func TestTriggerEmptyScopeIsProjectWide(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	st, err := f.stops.Trigger(ctx, "p1", "", "panic button", "ops")
	if err != nil {
		t.Fatal(err)
	}
	if st.AgentType != "all" {
		t.Fatalf("expected wildcard scope, got %q", st.AgentType)
	}

	// Covers every agent in the project.
	for _, agent := range []string{"analyst", "coder", "deployer"} {
		stopped, err := f.stops.IsStopped(ctx, "p1", agent)
		if err != nil {
			t.Fatal(err)
		}
		if !stopped {
			t.Fatalf("project-wide stop must cover %s", agent)
		}
	}

	// Other projects are unaffected.
	stopped, err := f.stops.IsStopped(ctx, "p2", "coder")
	if err != nil {
		t.Fatal(err)
	}
	if stopped {
		t.Fatal("stop must not leak across projects")
	}
}

func TestDeactivate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	st, err := f.stops.Trigger(ctx, "p1", "coder", "looping", "ops")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.stops.Deactivate(ctx, st.ID); err != nil {
		t.Fatal(err)
	}

	stopped, err := f.stops.IsStopped(ctx, "p1", "coder")
	if err != nil {
		t.Fatal(err)
	}
	if stopped {
		t.Fatal("deactivated stop must not gate")
	}

	// No-op on repeat; not-found on unknown id.
	if err := f.stops.Deactivate(ctx, st.ID); err != nil {
		t.Fatalf("repeat deactivate should be no-op, got %v", err)
	}
	if err := f.stops.Deactivate(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// The record survives with its deactivation timestamp.
	got, err := f.stops.Get(ctx, st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Active || got.DeactivatedAt == nil {
		t.Fatalf("expected inactive with timestamp, got %+v", got)
	}
}

func TestStopEventsPublished(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	st, err := f.stops.Trigger(ctx, "p1", "", "panic", "ops")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.stops.Deactivate(ctx, st.ID); err != nil {
		t.Fatal(err)
	}

	subjects := f.queue.subjects()
	want := []string{messagequeue.SubjectStopTriggered, messagequeue.SubjectStopDeactivated}
	if len(subjects) != len(want) {
		t.Fatalf("expected %v, got %v", want, subjects)
	}
	for i := range want {
		if subjects[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, subjects)
		}
	}
}

func TestStopLookupCache(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := newMapCache()
	f.stops.cache = c
	f.stops.cacheTTL = time.Minute

	// First lookup misses and fills the cache; second hits.
	if _, err := f.stops.IsStopped(ctx, "p1", "coder"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.stops.IsStopped(ctx, "p1", "coder"); err != nil {
		t.Fatal(err)
	}
	if c.hits != 1 {
		t.Fatalf("expected 1 cache hit, got %d", c.hits)
	}

	// Triggering invalidates, so the next lookup sees the new stop.
	if _, err := f.stops.Trigger(ctx, "p1", "coder", "looping", "ops"); err != nil {
		t.Fatal(err)
	}
	stopped, err := f.stops.IsStopped(ctx, "p1", "coder")
	if err != nil {
		t.Fatal(err)
	}
	if !stopped {
		t.Fatal("stale cache served after trigger")
	}
}

// racingStore hides active stops from the first ListActiveStops call,
// simulating a concurrent trigger landing between pre-check and insert.
type racingStore struct {
	database.Store
	mu     sync.Mutex
	hidden bool
}

func (r *racingStore) ListActiveStops(ctx context.Context, projectID string) ([]stop.Stop, error) {
	r.mu.Lock()
	first := !r.hidden
	r.hidden = true
	r.mu.Unlock()
	if first {
		return nil, nil
	}
	return r.Store.ListActiveStops(ctx, projectID)
}

func TestTriggerRaceReturnsWinner(t *testing.T) {
	inner := memory.NewStore()
	ctx := context.Background()

	winner := &stop.Stop{
		ID:          "s1",
		ProjectID:   "p1",
		AgentType:   "coder",
		Reason:      "looping",
		TriggeredBy: "ops",
		Active:      true,
		ActivatedAt: time.Now().UTC(),
	}
	if err := inner.CreateStop(ctx, winner); err != nil {
		t.Fatal(err)
	}

	svc := NewStopService(&racingStore{Store: inner}, nil, 0, nil, nil, nil)
	got, err := svc.Trigger(ctx, "p1", "coder", "still looping", "ops2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != winner.ID {
		t.Fatalf("expected winner %s, got %s", winner.ID, got.ID)
	}

	active, err := inner.ListActiveStops(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one active stop, got %d", len(active))
	}
}

func TestTriggerUnknownAgentType(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.stops.Trigger(ctx, "p1", "stylist", "looping", "ops"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
