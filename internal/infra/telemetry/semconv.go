package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by stratdesk instruments.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrStrategy identifies the frontend strategy id.
	AttrStrategy = attribute.Key("strategy")
	// AttrAction is start or stop.
	AttrAction = attribute.Key("action")
	// AttrMode is remote or local.
	AttrMode = attribute.Key("mode")
	// AttrCommandType labels outbound channel commands.
	AttrCommandType = attribute.Key("command.type")
	// AttrMessageType labels inbound channel messages.
	AttrMessageType = attribute.Key("message.type")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrReason provides free-form context for rejections.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrState is the run state a strategy moved into.
	AttrState = attribute.Key("state")
)

// StrategyAttributes returns the common attribute set for per-strategy metrics.
func StrategyAttributes(strategy string, extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2+len(extra))
	attrs = append(attrs, AttrEnvironment.String(Environment()), AttrStrategy.String(strategy))
	return append(attrs, extra...)
}

// ChannelAttributes returns attributes for channel traffic metrics.
func ChannelAttributes(messageType, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrEnvironment.String(Environment())}
	if messageType != "" {
		attrs = append(attrs, AttrMessageType.String(messageType))
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrConnectionState.String(state),
	}
}
