package channel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/stratdesk/internal/infra/telemetry"
)

type channelMetrics struct {
	sent       metric.Int64Counter
	received   metric.Int64Counter
	dropped    metric.Int64Counter
	reconnects metric.Int64Counter
	pingRTT    metric.Float64Histogram
}

func newChannelMetrics() *channelMetrics {
	meter := otel.Meter("channel.websocket")
	m := new(channelMetrics)
	m.sent, _ = meter.Int64Counter("stratdesk_channel_messages_sent",
		metric.WithDescription("Commands written to the backend connection"),
		metric.WithUnit("{message}"))
	m.received, _ = meter.Int64Counter("stratdesk_channel_messages_received",
		metric.WithDescription("Payloads read from the backend connection"),
		metric.WithUnit("{message}"))
	m.dropped, _ = meter.Int64Counter("stratdesk_channel_messages_dropped",
		metric.WithDescription("Commands discarded before reaching the backend"),
		metric.WithUnit("{message}"))
	m.reconnects, _ = meter.Int64Counter("stratdesk_channel_reconnects",
		metric.WithDescription("Dial attempts against the backend endpoint"),
		metric.WithUnit("{attempt}"))
	m.pingRTT, _ = meter.Float64Histogram("stratdesk_channel_ping_rtt",
		metric.WithDescription("Websocket ping round trip"),
		metric.WithUnit("ms"))
	return m
}

func (m *channelMetrics) recordSent(ctx context.Context, commandType string) {
	if m == nil || m.sent == nil {
		return
	}
	m.sent.Add(ctx, 1, metric.WithAttributes(telemetry.ChannelAttributes(commandType, "")...))
}

func (m *channelMetrics) recordReceived(ctx context.Context) {
	if m == nil || m.received == nil {
		return
	}
	m.received.Add(ctx, 1, metric.WithAttributes(telemetry.ChannelAttributes("", "")...))
}

func (m *channelMetrics) recordDropped(ctx context.Context, reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(telemetry.ChannelAttributes("", reason)...))
}

func (m *channelMetrics) recordReconnect(ctx context.Context, result string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(telemetry.ChannelAttributes("", result)...))
}

func (m *channelMetrics) recordPing(ctx context.Context, ms float64, result string) {
	if m == nil || m.pingRTT == nil {
		return
	}
	m.pingRTT.Record(ctx, ms, metric.WithAttributes(telemetry.ChannelAttributes("", result)...))
}
