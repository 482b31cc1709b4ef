package service

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCheckLimitsNoCounterApproves(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Absence of a budget row is not a failure: nothing spent yet.
	res, err := f.budgets.CheckLimits(ctx, "p1", "analyst", 100, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Approved {
		t.Fatalf("expected approved, got %+v", res)
	}
	if res.RemainingDailyTokens != 10_000 {
		t.Fatalf("expected full daily budget remaining, got %d", res.RemainingDailyTokens)
	}
	if res.RemainingSessionTokens != 5_000 {
		t.Fatalf("expected full session budget remaining, got %d", res.RemainingSessionTokens)
	}
}

func TestCheckLimitsIsPureRead(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.budgets.CheckLimits(ctx, "p1", "analyst", 100, 0); err != nil {
		t.Fatal(err)
	}

	// The check created nothing.
	counters, err := f.budgets.ListCounters(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(counters) != 0 {
		t.Fatalf("check must not create counters, got %d", len(counters))
	}
}

func TestCheckLimitsDailyTokens(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// 9500 of 10000 daily tokens used; session limit is irrelevant here
	// because the daily check runs first.
	if err := f.budgets.CommitUsage(ctx, "p1", "analyst", 4800, 0); err != nil {
		t.Fatal(err)
	}
	if err := f.budgets.ResetSessionCounters(ctx, "p1", "analyst"); err != nil {
		t.Fatal(err)
	}
	if err := f.budgets.CommitUsage(ctx, "p1", "analyst", 4700, 0); err != nil {
		t.Fatal(err)
	}

	res, err := f.budgets.CheckLimits(ctx, "p1", "analyst", 1000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Approved {
		t.Fatalf("expected denial, got %+v", res)
	}
	if !strings.Contains(res.Reason, "daily limit") {
		t.Fatalf("reason should mention daily limit, got %q", res.Reason)
	}
}

func TestCheckLimitsOrderSessionBeforeCost(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Both session tokens (5000) and session cost (10) would be exceeded;
	// the session token check runs earlier so its reason wins.
	if err := f.budgets.CommitUsage(ctx, "p1", "analyst", 4900, 9.5); err != nil {
		t.Fatal(err)
	}

	res, err := f.budgets.CheckLimits(ctx, "p1", "analyst", 200, 1.0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Approved {
		t.Fatalf("expected denial, got %+v", res)
	}
	if !strings.Contains(res.Reason, "session limit") {
		t.Fatalf("expected session token reason to win, got %q", res.Reason)
	}
}

func TestCheckLimitsCostDenial(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.budgets.CommitUsage(ctx, "p1", "analyst", 10, 9.99); err != nil {
		t.Fatal(err)
	}

	res, err := f.budgets.CheckLimits(ctx, "p1", "analyst", 10, 0.02)
	if err != nil {
		t.Fatal(err)
	}
	if res.Approved {
		t.Fatalf("expected denial, got %+v", res)
	}
	if !strings.Contains(res.Reason, "session cost limit") {
		t.Fatalf("expected session cost reason, got %q", res.Reason)
	}
}

func TestCheckLimitsEmergencyStop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.stops.Trigger(ctx, "p1", "analyst", "manual halt", "ops"); err != nil {
		t.Fatal(err)
	}

	res, err := f.budgets.CheckLimits(ctx, "p1", "analyst", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Approved {
		t.Fatalf("expected denial under active stop, got %+v", res)
	}
	if !strings.Contains(res.Reason, "emergency stop") {
		t.Fatalf("expected emergency stop reason, got %q", res.Reason)
	}

	// Another agent in the project is unaffected by the scoped stop.
	res, err = f.budgets.CheckLimits(ctx, "p1", "tester", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Approved {
		t.Fatalf("scoped stop must not affect other agents, got %+v", res)
	}
}

func TestCommitUsageMonotonic(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	amounts := []int64{100, 50, 250}
	var total int64
	for _, a := range amounts {
		before, err := f.budgets.GetCounter(ctx, "p1", "coder")
		if err != nil {
			t.Fatal(err)
		}
		if err := f.budgets.CommitUsage(ctx, "p1", "coder", a, 0); err != nil {
			t.Fatal(err)
		}
		after, err := f.budgets.GetCounter(ctx, "p1", "coder")
		if err != nil {
			t.Fatal(err)
		}
		if after.TokensUsedToday != before.TokensUsedToday+a {
			t.Fatalf("used_after (%d) != used_before (%d) + committed (%d)",
				after.TokensUsedToday, before.TokensUsedToday, a)
		}
		total += a
	}

	c, _ := f.budgets.GetCounter(ctx, "p1", "coder")
	if c.TokensUsedToday != total || c.TokensUsedSession != total {
		t.Fatalf("expected %d used, got today=%d session=%d", total, c.TokensUsedToday, c.TokensUsedSession)
	}
}

func TestCommitUsageValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.budgets.CommitUsage(ctx, "p1", "coder", -1, 0); err == nil {
		t.Fatal("expected error for negative tokens")
	}
	if err := f.budgets.CommitUsage(ctx, "", "coder", 1, 0); err == nil {
		t.Fatal("expected error for missing project id")
	}
}

func TestResetDailyCounters(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	base := time.Now().UTC()
	f.setClock(base.Add(-26 * time.Hour))
	if err := f.budgets.CommitUsage(ctx, "p1", "coder", 500, 2.5); err != nil {
		t.Fatal(err)
	}

	f.setClock(base)
	n, err := f.budgets.ResetDailyCounters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset, got %d", n)
	}

	c, err := f.budgets.GetCounter(ctx, "p1", "coder")
	if err != nil {
		t.Fatal(err)
	}
	if c.TokensUsedToday != 0 || c.DailyCostUsed != 0 {
		t.Fatalf("daily fields not zeroed: %+v", c)
	}
	if c.TokensUsedSession != 500 || c.SessionCostUsed != 2.5 {
		t.Fatalf("session fields must survive the daily reset: %+v", c)
	}

	// Same-day counters are left alone.
	if n, err := f.budgets.ResetDailyCounters(ctx); err != nil || n != 0 {
		t.Fatalf("expected no further resets, got n=%d err=%v", n, err)
	}
}
