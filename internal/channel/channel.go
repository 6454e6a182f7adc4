// Package channel carries commands to the strategy process manager and
// delivers its replies. Only the open/closed state and best-effort send are
// visible to callers.
package channel

import (
	"context"
	"errors"

	"github.com/coachpo/stratdesk/internal/protocol"
)

// ErrClosed is returned by Send when no connection is established.
var ErrClosed = errors.New("channel closed")

// Channel is the outbound half of the backend connection.
type Channel interface {
	// IsOpen reports whether a connection is currently established.
	IsOpen() bool
	// Send enqueues cmd without waiting for delivery. It returns ErrClosed
	// (possibly wrapped) when the connection is down.
	Send(ctx context.Context, cmd protocol.Command) error
}

// MessageHandler receives every inbound text payload in arrival order.
type MessageHandler func(data []byte)

// StateHandler is invoked on every open/closed transition.
type StateHandler func(open bool)
