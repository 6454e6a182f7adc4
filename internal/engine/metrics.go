package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/stratdesk/internal/domain/strategy"
	"github.com/coachpo/stratdesk/internal/infra/telemetry"
)

type engineMetrics struct {
	transitions metric.Int64Counter
	requests    metric.Int64Counter
	timeouts    metric.Int64Counter
	dropped     metric.Int64Counter
	snapshots   metric.Int64Counter
}

func newEngineMetrics() *engineMetrics {
	meter := otel.Meter("engine")
	m := new(engineMetrics)
	m.transitions, _ = meter.Int64Counter("stratdesk_engine_transitions",
		metric.WithDescription("Run-state changes applied by the engine"),
		metric.WithUnit("{transition}"))
	m.requests, _ = meter.Int64Counter("stratdesk_engine_requests",
		metric.WithDescription("Start and stop requests issued"),
		metric.WithUnit("{request}"))
	m.timeouts, _ = meter.Int64Counter("stratdesk_engine_timeouts",
		metric.WithDescription("Pending requests resolved by a timer"),
		metric.WithUnit("{timeout}"))
	m.dropped, _ = meter.Int64Counter("stratdesk_engine_events_dropped",
		metric.WithDescription("Inbound events discarded as malformed, stale or duplicate"),
		metric.WithUnit("{event}"))
	m.snapshots, _ = meter.Int64Counter("stratdesk_engine_snapshot_entries",
		metric.WithDescription("Authoritative snapshot entries applied or skipped"),
		metric.WithUnit("{entry}"))
	return m
}

func (m *engineMetrics) recordTransition(id strategy.ID, to strategy.RunState) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.StrategyAttributes(string(id), telemetry.AttrState.String(to.String()))...))
}

func (m *engineMetrics) recordRequest(id strategy.ID, action strategy.Action, mode strategy.Mode) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.StrategyAttributes(string(id),
			telemetry.AttrAction.String(string(action)),
			telemetry.AttrMode.String(string(mode)))...))
}

func (m *engineMetrics) recordTimeout(id strategy.ID, action strategy.Action) {
	if m == nil || m.timeouts == nil {
		return
	}
	m.timeouts.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.StrategyAttributes(string(id), telemetry.AttrAction.String(string(action)))...))
}

func (m *engineMetrics) recordDropped(reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrReason.String(reason)))
}

func (m *engineMetrics) recordSnapshot(id strategy.ID, result string) {
	if m == nil || m.snapshots == nil {
		return
	}
	m.snapshots.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.StrategyAttributes(string(id), telemetry.AttrResult.String(result))...))
}
