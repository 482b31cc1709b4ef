package main

import (
	"context"
	"fmt"

	bmadotel "github.com/geniusboywonder/bmad/internal/adapter/otel"
	"github.com/geniusboywonder/bmad/internal/port/messagequeue"
)

// startMetricsBridge subscribes to the pipeline's lifecycle subjects and
// counts them as OTel metrics. Returns a cancel function that drops all
// subscriptions.
func startMetricsBridge(ctx context.Context, queue messagequeue.Queue) (func(), error) {
	metrics, err := bmadotel.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}

	count := func(add func(ctx context.Context)) messagequeue.Handler {
		return func(ctx context.Context, _ string, _ []byte) error {
			add(ctx)
			return nil
		}
	}

	bindings := map[string]messagequeue.Handler{
		messagequeue.SubjectApprovalRequested: count(func(ctx context.Context) { metrics.ApprovalsCreated.Add(ctx, 1) }),
		messagequeue.SubjectApprovalResolved:  count(func(ctx context.Context) { metrics.ApprovalsResolved.Add(ctx, 1) }),
		messagequeue.SubjectApprovalExpired:   count(func(ctx context.Context) { metrics.ApprovalsExpired.Add(ctx, 1) }),
		messagequeue.SubjectBudgetDenied:      count(func(ctx context.Context) { metrics.BudgetDenials.Add(ctx, 1) }),
		messagequeue.SubjectStopTriggered:     count(func(ctx context.Context) { metrics.StopsTriggered.Add(ctx, 1) }),
	}

	var cancels []func()
	cancelAll := func() {
		for _, c := range cancels {
			c()
		}
	}

	for subject, handler := range bindings {
		cancel, err := queue.Subscribe(ctx, subject, handler)
		if err != nil {
			cancelAll()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		cancels = append(cancels, cancel)
	}

	return cancelAll, nil
}
