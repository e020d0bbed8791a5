package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "convoke"

// Metrics holds the pipeline metric instruments.
type Metrics struct {
	TurnsStarted  metric.Int64Counter
	TurnsFinished metric.Int64Counter
	TurnsStopped  metric.Int64Counter
	ToolCalls     metric.Int64Counter
	TokensIn      metric.Int64Counter
	TokensOut     metric.Int64Counter
	TurnDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TurnsStarted, err = meter.Int64Counter("convoke.turns.started",
		metric.WithDescription("Number of turns entering the pipeline"))
	if err != nil {
		return nil, err
	}

	m.TurnsFinished, err = meter.Int64Counter("convoke.turns.finished",
		metric.WithDescription("Number of turns settled"))
	if err != nil {
		return nil, err
	}

	m.TurnsStopped, err = meter.Int64Counter("convoke.turns.stopped",
		metric.WithDescription("Number of turns stopped by the user"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("convoke.toolcalls",
		metric.WithDescription("Number of commands submitted for execution"))
	if err != nil {
		return nil, err
	}

	m.TokensIn, err = meter.Int64Counter("convoke.tokens.in",
		metric.WithDescription("Prompt tokens consumed"))
	if err != nil {
		return nil, err
	}

	m.TokensOut, err = meter.Int64Counter("convoke.tokens.out",
		metric.WithDescription("Completion tokens produced"))
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("convoke.turn.duration_seconds",
		metric.WithDescription("Wall time from turn creation to settlement"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
