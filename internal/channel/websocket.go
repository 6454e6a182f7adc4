package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/stratdesk/errs"
	"github.com/coachpo/stratdesk/internal/protocol"
)

const (
	defaultPingInterval         = 20 * time.Second
	defaultPingTimeout          = 5 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultMaxReconnectInterval = 30 * time.Second
	defaultSendInterval         = 50 * time.Millisecond
	defaultSendBurst            = 4
	defaultQueueSize            = 64
	defaultReadLimit            = 1 << 20
)

// WebsocketConfig tunes the websocket channel. Zero values take defaults.
type WebsocketConfig struct {
	URL                  string
	PingInterval         time.Duration
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	MaxReconnectInterval time.Duration
	// SendInterval paces outbound frames; SendBurst frames may go back to back.
	SendInterval time.Duration
	SendBurst    int
	QueueSize    int
	ReadLimit    int64
}

func (c WebsocketConfig) withDefaults() WebsocketConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if c.SendInterval <= 0 {
		c.SendInterval = defaultSendInterval
	}
	if c.SendBurst <= 0 {
		c.SendBurst = defaultSendBurst
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}

type outboundMessage struct {
	kind    protocol.CommandType
	payload []byte
}

// Websocket maintains a single reconnecting websocket session to the backend.
type Websocket struct {
	cfg      WebsocketConfig
	logger   *log.Logger
	metrics  *channelMetrics
	limiter  *rate.Limiter
	outbound chan outboundMessage

	handlerMu sync.RWMutex
	onMessage MessageHandler
	onState   StateHandler

	open atomic.Bool

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          *conc.WaitGroup
}

var _ Channel = (*Websocket)(nil)

// NewWebsocket validates cfg and returns an idle channel; call Start to connect.
func NewWebsocket(cfg WebsocketConfig, logger *log.Logger) (*Websocket, error) {
	url := strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, errs.New("channel/websocket", errs.CodeInvalid,
			errs.WithMessage("url must use ws:// or wss://"), errs.WithField("url", url))
	}
	cfg.URL = url
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.New(os.Stdout, "channel ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Websocket{
		cfg:       cfg,
		logger:    logger,
		metrics:   newChannelMetrics(),
		limiter:   rate.NewLimiter(rate.Every(cfg.SendInterval), cfg.SendBurst),
		outbound:  make(chan outboundMessage, cfg.QueueSize),
		handlerMu: sync.RWMutex{},
		onMessage: nil,
		onState:   nil,
		open:      atomic.Bool{},
		cancel:    nil,
		wg:        nil,
	}, nil
}

// OnMessage installs the inbound payload handler.
func (w *Websocket) OnMessage(h MessageHandler) {
	w.handlerMu.Lock()
	w.onMessage = h
	w.handlerMu.Unlock()
}

// OnStateChange installs the open/closed transition handler.
func (w *Websocket) OnStateChange(h StateHandler) {
	w.handlerMu.Lock()
	w.onState = h
	w.handlerMu.Unlock()
}

// Start launches the connection loop. It returns immediately; the loop keeps
// redialling with exponential backoff until Close or ctx cancellation.
func (w *Websocket) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if w.cancel != nil {
		return errs.New("channel/websocket", errs.CodeInvalid, errs.WithMessage("already started"))
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg = conc.NewWaitGroup()
	w.wg.Go(func() { w.connectLoop(runCtx) })
	return nil
}

// Close terminates the session and waits for all loops to exit.
func (w *Websocket) Close() {
	w.lifecycleMu.Lock()
	cancel, wg := w.cancel, w.wg
	w.lifecycleMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	wg.Wait()
}

// IsOpen reports whether a session is established.
func (w *Websocket) IsOpen() bool {
	return w.open.Load()
}

// Send encodes cmd and places it on the writer queue.
func (w *Websocket) Send(ctx context.Context, cmd protocol.Command) error {
	if !w.open.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("channel send: %w", err)
	}
	payload, err := cmd.Encode(time.Now())
	if err != nil {
		return errs.New("channel/send", errs.CodeInvalid, errs.WithCause(err))
	}
	select {
	case w.outbound <- outboundMessage{kind: cmd.Type, payload: payload}:
		return nil
	default:
		w.metrics.recordDropped(ctx, "queue_full")
		return errs.New("channel/send", errs.CodeUnavailable,
			errs.WithMessage("outbound queue full"), errs.WithField("type", string(cmd.Type)))
	}
}

func (w *Websocket) connectLoop(ctx context.Context) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = w.cfg.MaxReconnectInterval

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.Dial(ctx, w.cfg.URL, nil)
		if err != nil {
			w.metrics.recordReconnect(ctx, "error")
			if ctx.Err() == nil {
				w.logger.Printf("dial %s: %v", w.cfg.URL, err)
			}
			if !w.sleep(ctx, backoffCfg) {
				return
			}
			continue
		}
		w.metrics.recordReconnect(ctx, "success")
		conn.SetReadLimit(w.cfg.ReadLimit)
		backoffCfg.Reset()
		w.logger.Printf("connected to %s", w.cfg.URL)

		if err := w.runSession(ctx, conn); err != nil {
			w.logger.Printf("connection lost: %v", err)
		}
		if !w.sleep(ctx, backoffCfg) {
			return
		}
	}
}

func (w *Websocket) sleep(ctx context.Context, b *backoff.ExponentialBackOff) bool {
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		wait = w.cfg.MaxReconnectInterval
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// runSession serves one connection until any of its loops fails.
func (w *Websocket) runSession(ctx context.Context, conn *websocket.Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.setOpen(true)

	errCh := make(chan error, 3)
	loops := conc.NewWaitGroup()
	loops.Go(func() { errCh <- w.readLoop(sessionCtx, conn) })
	loops.Go(func() { errCh <- w.writeLoop(sessionCtx, conn) })
	loops.Go(func() { errCh <- w.pingLoop(sessionCtx, conn) })

	firstErr := <-errCh
	w.setOpen(false)
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	loops.Wait()
	close(errCh)

	aggregated := firstErr
	for e := range errCh {
		if aggregated == nil || isCancellation(aggregated) {
			aggregated = e
		}
	}
	w.drainOutbound()

	if aggregated == nil || isCancellation(aggregated) {
		return nil
	}
	return aggregated
}

func (w *Websocket) setOpen(open bool) {
	if w.open.Swap(open) == open {
		return
	}
	w.handlerMu.RLock()
	h := w.onState
	w.handlerMu.RUnlock()
	if h != nil {
		h(open)
	}
}

// drainOutbound discards commands queued for a connection that no longer exists.
func (w *Websocket) drainOutbound() {
	for {
		select {
		case msg := <-w.outbound:
			w.metrics.recordDropped(context.Background(), "disconnected")
			w.logger.Printf("dropped %s queued before disconnect", msg.kind)
		default:
			return
		}
	}
}

func (w *Websocket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			// Any remote close, normal or not, ends the session and triggers a redial.
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		w.metrics.recordReceived(ctx)

		w.handlerMu.RLock()
		h := w.onMessage
		w.handlerMu.RUnlock()
		if h != nil {
			h(data)
		}
	}
}

func (w *Websocket) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case msg := <-w.outbound:
			if err := w.limiter.Wait(ctx); err != nil {
				w.metrics.recordDropped(context.Background(), "cancelled")
				return context.Canceled
			}
			writeCtx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, msg.payload)
			cancel()
			if err != nil {
				w.metrics.recordDropped(context.Background(), "write_error")
				if isCancellation(err) || errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				return fmt.Errorf("write %s: %w", msg.kind, err)
			}
			w.metrics.recordSent(ctx, string(msg.kind))
		}
	}
}

func (w *Websocket) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, w.cfg.PingTimeout)
			start := time.Now()
			err := conn.Ping(pingCtx)
			cancel()
			result := "success"
			if err != nil {
				result = "error"
			}
			w.metrics.recordPing(ctx, float64(time.Since(start).Microseconds())/1000, result)
			if err != nil {
				if isCancellation(err) && ctx.Err() != nil {
					return context.Canceled
				}
				if errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
