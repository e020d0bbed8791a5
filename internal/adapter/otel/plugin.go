package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/convoke-ai/convoke/internal/domain/event"
)

const tracerName = "convoke"

// TelemetryPlugin records a span per dispatched event and keeps the
// pipeline counters current. It contributes no commands and never mutates
// the event.
type TelemetryPlugin struct {
	metrics *Metrics
	tracer  trace.Tracer
}

// NewTelemetryPlugin creates the plugin with instruments on the global
// meter and tracer.
func NewTelemetryPlugin() (*TelemetryPlugin, error) {
	m, err := NewMetrics()
	if err != nil {
		return nil, err
	}
	return &TelemetryPlugin{
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// ID returns the plugin identifier.
func (p *TelemetryPlugin) ID() string { return "telemetry" }

// Enabled always reports true; when telemetry is disabled the global
// providers are no-ops and recording costs nothing.
func (p *TelemetryPlugin) Enabled() bool { return true }

// Handle records the event as a span and updates the pipeline counters.
func (p *TelemetryPlugin) Handle(ctx context.Context, ev *event.Event) error {
	attrs := []attribute.KeyValue{
		attribute.String("turn.id", ev.Ctx.ID),
		attribute.String("turn.mode", string(ev.Ctx.Mode)),
	}
	ctx, span := p.tracer.Start(ctx, "event."+string(ev.Name), trace.WithAttributes(attrs...))
	defer span.End()

	modeAttr := metric.WithAttributes(attribute.String("mode", string(ev.Ctx.Mode)))

	switch ev.Name {
	case event.UserSend:
		p.metrics.TurnsStarted.Add(ctx, 1, modeAttr)

	case event.CtxEnd:
		p.metrics.TurnsFinished.Add(ctx, 1, modeAttr)
		p.metrics.TurnDuration.Record(ctx, time.Since(ev.Ctx.CreatedAt).Seconds(), modeAttr)
		if ev.Ctx.TokensIn > 0 {
			p.metrics.TokensIn.Add(ctx, int64(ev.Ctx.TokensIn), modeAttr)
		}
		if ev.Ctx.TokensOut > 0 {
			p.metrics.TokensOut.Add(ctx, int64(ev.Ctx.TokensOut), modeAttr)
		}

	case event.ForceStop:
		p.metrics.TurnsStopped.Add(ctx, 1, modeAttr)

	case event.CmdExecute:
		if data, ok := ev.Data.(*event.Execute); ok {
			p.metrics.ToolCalls.Add(ctx, int64(len(data.Cmds)), modeAttr)
		}
	}

	return nil
}
