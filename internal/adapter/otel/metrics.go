package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "bmad"

// Metrics holds all metric instruments for the approval pipeline.
type Metrics struct {
	ApprovalsCreated  metric.Int64Counter
	ApprovalsResolved metric.Int64Counter
	ApprovalsExpired  metric.Int64Counter
	BudgetDenials     metric.Int64Counter
	StopsTriggered    metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ApprovalsCreated, err = meter.Int64Counter("bmad.approvals.created",
		metric.WithDescription("Number of approval requests created"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsResolved, err = meter.Int64Counter("bmad.approvals.resolved",
		metric.WithDescription("Number of approval requests resolved by a human"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsExpired, err = meter.Int64Counter("bmad.approvals.expired",
		metric.WithDescription("Number of approval requests expired by the sweeper"))
	if err != nil {
		return nil, err
	}

	m.BudgetDenials, err = meter.Int64Counter("bmad.budget.denials",
		metric.WithDescription("Number of admissions denied by budget limits"))
	if err != nil {
		return nil, err
	}

	m.StopsTriggered, err = meter.Int64Counter("bmad.stops.triggered",
		metric.WithDescription("Number of emergency stops triggered"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
