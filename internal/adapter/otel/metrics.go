// Package otel provides the OpenTelemetry metric instruments for agentd.
package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentd"

// Metrics holds all agentd metric instruments.
type Metrics struct {
	RunsStarted    metric.Int64Counter
	RunsCompleted  metric.Int64Counter
	RunsFailed     metric.Int64Counter
	RunsCancelled  metric.Int64Counter
	RunsRetried    metric.Int64Counter
	EventsAppended metric.Int64Counter
	RunDuration    metric.Float64Histogram
	RunCost        metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("agentd.runs.started",
		metric.WithDescription("Number of run attempts started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("agentd.runs.completed",
		metric.WithDescription("Number of runs completed"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("agentd.runs.failed",
		metric.WithDescription("Number of runs terminally failed"))
	if err != nil {
		return nil, err
	}

	m.RunsCancelled, err = meter.Int64Counter("agentd.runs.cancelled",
		metric.WithDescription("Number of runs cancelled"))
	if err != nil {
		return nil, err
	}

	m.RunsRetried, err = meter.Int64Counter("agentd.runs.retried",
		metric.WithDescription("Number of attempt retries"))
	if err != nil {
		return nil, err
	}

	m.EventsAppended, err = meter.Int64Counter("agentd.events.appended",
		metric.WithDescription("Number of journal events appended"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("agentd.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.RunCost, err = meter.Float64Histogram("agentd.run.cost_usd",
		metric.WithDescription("Estimated run cost in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
