// Package engine keeps strategy run state consistent between operator actions,
// the backend process manager, the local fallback runtime and the cache.
//
// All state lives on a single task loop. Public methods enqueue a closure and
// wait for it; timers, channel deliveries and fallback events enqueue without
// waiting. Events are applied strictly in arrival order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coachpo/stratdesk/errs"
	"github.com/coachpo/stratdesk/internal/cache"
	"github.com/coachpo/stratdesk/internal/channel"
	"github.com/coachpo/stratdesk/internal/debounce"
	"github.com/coachpo/stratdesk/internal/domain/strategy"
	"github.com/coachpo/stratdesk/internal/notify"
	"github.com/coachpo/stratdesk/internal/protocol"
	"github.com/coachpo/stratdesk/internal/runstate"
)

// ErrClosed is returned by operations submitted after Close.
var ErrClosed = errors.New("engine closed")

const (
	defaultStartTimeout    = 30 * time.Second
	defaultStopGrace       = 2 * time.Second
	defaultFallbackCeiling = 120 * time.Second
	defaultPullInterval    = 60 * time.Second
	defaultQueueSize       = 256
)

// Config holds the engine deadlines.
type Config struct {
	StartTimeout    time.Duration
	StopGrace       time.Duration
	FallbackCeiling time.Duration
	// Debounce is the toggle suppression window. Negative disables it.
	Debounce time.Duration
	// PullInterval schedules periodic authoritative pulls from Run. Negative disables them.
	PullInterval time.Duration
	QueueSize    int
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	if c.FallbackCeiling <= 0 {
		c.FallbackCeiling = defaultFallbackCeiling
	}
	if c.Debounce == 0 {
		c.Debounce = debounce.DefaultWindow
	}
	if c.PullInterval == 0 {
		c.PullInterval = defaultPullInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// LocalRunner executes strategies without the backend.
type LocalRunner interface {
	Supports(id strategy.BackendID) bool
	Start(ctx context.Context, id strategy.BackendID, executionID string) error
	Stop(executionID string) bool
}

// Transition is delivered to listeners after every applied change.
type Transition struct {
	StrategyID strategy.ID
	From       strategy.RunState
	To         strategy.RunState
	Reason     string
	View       runstate.View
}

// Listener observes transitions. It runs on the engine loop and must not call back into the engine synchronously.
type Listener func(Transition)

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLocalRunner enables the local fallback path.
func WithLocalRunner(runner LocalRunner) Option {
	return func(e *Engine) {
		e.runner = runner
	}
}

// WithNotifier routes operator notifications.
func WithNotifier(n notify.Publisher) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithConfig overrides deadlines.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// Engine is the run-state synchronization engine.
type Engine struct {
	cfg      Config
	catalog  *strategy.Catalog
	channel  channel.Channel
	cache    cache.Store
	runner   LocalRunner
	notifier notify.Publisher
	clock    Clock
	logger   *log.Logger
	guard    *debounce.Guard
	metrics  *engineMetrics

	tasks     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextWatch   int

	// Loop-owned state.
	store      *runstate.Store
	lastPullAt time.Time
	pullTimer  runstate.Timer
}

// New constructs an engine and starts its task loop. Every catalog strategy starts Idle.
func New(catalog *strategy.Catalog, ch channel.Channel, store cache.Store, opts ...Option) (*Engine, error) {
	if catalog == nil {
		return nil, errs.New("engine/new", errs.CodeInvalid, errs.WithMessage("catalog required"))
	}
	if ch == nil {
		return nil, errs.New("engine/new", errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	if store == nil {
		return nil, errs.New("engine/new", errs.CodeInvalid, errs.WithMessage("cache required"))
	}
	e := &Engine{
		catalog:   catalog,
		channel:   ch,
		cache:     store,
		clock:     SystemClock(),
		logger:    log.New(os.Stdout, "engine ", log.LstdFlags|log.Lmicroseconds),
		metrics:   newEngineMetrics(),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		listeners: make(map[int]Listener),
		store:     runstate.NewStore(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.cfg = e.cfg.withDefaults()
	e.guard = debounce.NewGuard(e.cfg.Debounce)
	if e.notifier == nil {
		e.notifier = notify.NewFeed(0, e.logger)
	}
	e.tasks = make(chan func(), e.cfg.QueueSize)
	for _, id := range catalog.IDs() {
		e.store.Entry(id)
	}
	go e.loop()
	return e, nil
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case task := <-e.tasks:
			e.runTask(task)
		case <-e.quit:
			e.store.StopTimers()
			if e.pullTimer != nil {
				e.pullTimer.Stop()
			}
			return
		}
	}
}

func (e *Engine) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("task panic: %v", r)
		}
	}()
	task()
}

// do runs fn on the loop and waits for its result.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	result := make(chan error, 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("engine task panic: %v", r)
			}
		}()
		result <- fn()
	}
	select {
	case e.tasks <- task:
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("engine submit: %w", ctx.Err())
	}
	select {
	case err := <-result:
		return err
	case <-e.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

// post enqueues fn without waiting for it to run.
func (e *Engine) post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

// Close stops the loop and cancels every armed timer.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.quit)
	})
	<-e.done
}

// Watch registers fn for every transition. The returned func unregisters it.
func (e *Engine) Watch(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	e.listenersMu.Lock()
	id := e.nextWatch
	e.nextWatch++
	e.listeners[id] = fn
	e.listenersMu.Unlock()
	return func() {
		e.listenersMu.Lock()
		delete(e.listeners, id)
		e.listenersMu.Unlock()
	}
}

// Catalog returns the strategy catalog.
func (e *Engine) Catalog() *strategy.Catalog {
	return e.catalog
}

// Channel exposes the backend channel for health reporting.
func (e *Engine) Channel() channel.Channel {
	return e.channel
}

// Toggle starts an idle or stopped strategy and stops a running one. A repeated
// toggle inside the debounce window is ignored and returns the current view.
func (e *Engine) Toggle(ctx context.Context, id strategy.ID) (runstate.View, error) {
	var view runstate.View
	err := e.do(ctx, func() error {
		if _, ok := e.catalog.Lookup(id); !ok {
			return unknownStrategy("engine/toggle", id)
		}
		entry := e.store.Entry(id)
		if !e.guard.Allow("toggle:"+string(id), e.clock.Now()) {
			e.logger.Printf("toggle %s debounced", id)
			view = entry.View()
			return nil
		}
		var err error
		if entry.State == strategy.Running {
			err = e.stop(ctx, entry)
		} else {
			err = e.start(ctx, entry)
		}
		view = entry.View()
		return err
	})
	return view, err
}

// RequestStart optimistically marks the strategy running and dispatches the start.
func (e *Engine) RequestStart(ctx context.Context, id strategy.ID) (runstate.View, error) {
	var view runstate.View
	err := e.do(ctx, func() error {
		if _, ok := e.catalog.Lookup(id); !ok {
			return unknownStrategy("engine/start", id)
		}
		entry := e.store.Entry(id)
		if entry.State == strategy.Running {
			view = entry.View()
			return errs.New("engine/start", errs.CodeInvalid, errs.WithStrategy(string(id)),
				errs.WithMessage("strategy already running"))
		}
		err := e.start(ctx, entry)
		view = entry.View()
		return err
	})
	return view, err
}

// RequestStop marks a running strategy stopped and dispatches the stop.
func (e *Engine) RequestStop(ctx context.Context, id strategy.ID) (runstate.View, error) {
	var view runstate.View
	err := e.do(ctx, func() error {
		if _, ok := e.catalog.Lookup(id); !ok {
			return unknownStrategy("engine/stop", id)
		}
		entry := e.store.Entry(id)
		if entry.State != strategy.Running {
			view = entry.View()
			return errs.New("engine/stop", errs.CodeInvalid, errs.WithStrategy(string(id)),
				errs.WithMessage("strategy not running"), errs.WithField("state", entry.State.String()))
		}
		err := e.stop(ctx, entry)
		view = entry.View()
		return err
	})
	return view, err
}

// State returns one strategy's view.
func (e *Engine) State(ctx context.Context, id strategy.ID) (runstate.View, error) {
	var view runstate.View
	err := e.do(ctx, func() error {
		if _, ok := e.catalog.Lookup(id); !ok {
			return unknownStrategy("engine/state", id)
		}
		view = e.store.Entry(id).View()
		return nil
	})
	return view, err
}

// Snapshot returns every strategy's view ordered by id.
func (e *Engine) Snapshot(ctx context.Context) ([]runstate.View, error) {
	var views []runstate.View
	err := e.do(ctx, func() error {
		views = e.store.Views()
		return nil
	})
	return views, err
}

// HandleEvent queues an inbound event for reconciliation.
func (e *Engine) HandleEvent(evt protocol.Event) {
	if evt == nil {
		return
	}
	e.post(func() { e.apply(evt) })
}

// Deliver decodes a raw inbound payload and queues it. Malformed payloads are logged and dropped.
func (e *Engine) Deliver(data []byte) {
	evt, err := protocol.Decode(data)
	if err != nil {
		e.metrics.recordDropped("malformed")
		e.logger.Printf("drop inbound payload: %v", err)
		return
	}
	e.HandleEvent(evt)
}

// ChannelStateChanged reacts to the backend connection opening or closing.
func (e *Engine) ChannelStateChanged(open bool) {
	if !open {
		e.logger.Printf("backend channel closed")
		return
	}
	e.logger.Printf("backend channel open, pulling authoritative state")
	e.post(func() {
		if err := e.pull(context.Background()); err != nil {
			e.logger.Printf("pull on connect: %v", err)
		}
	})
}

// Pull requests the backend's canonical state for all strategies.
func (e *Engine) Pull(ctx context.Context) error {
	return e.do(ctx, func() error { return e.pull(ctx) })
}

// Run restores cached state, pulls, then keeps pulling every PullInterval until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Restore(ctx); err != nil {
		return err
	}
	if err := e.Pull(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		e.logger.Printf("initial pull: %v", err)
	}
	if e.cfg.PullInterval > 0 {
		if err := e.do(ctx, func() error {
			e.schedulePull()
			return nil
		}); err != nil && !errors.Is(err, ErrClosed) {
			return err
		}
	}
	select {
	case <-ctx.Done():
	case <-e.done:
	}
	return nil
}

func (e *Engine) schedulePull() {
	if e.pullTimer != nil {
		e.pullTimer.Stop()
	}
	e.pullTimer = e.clock.AfterFunc(e.cfg.PullInterval, func() {
		e.post(func() {
			if err := e.pull(context.Background()); err != nil {
				e.logger.Printf("periodic pull: %v", err)
			}
			e.schedulePull()
		})
	})
}

func (e *Engine) emit(entry *runstate.Entry, from strategy.RunState, reason string) {
	if from != entry.State {
		e.metrics.recordTransition(entry.ID, entry.State)
	}
	t := Transition{
		StrategyID: entry.ID,
		From:       from,
		To:         entry.State,
		Reason:     reason,
		View:       entry.View(),
	}
	e.listenersMu.RLock()
	listeners := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.listenersMu.RUnlock()
	for _, l := range listeners {
		l(t)
	}
}

func (e *Engine) publish(level notify.Level, kind notify.Kind, id strategy.ID, message string) {
	e.notifier.Publish(notify.Notification{
		Level:      level,
		Kind:       kind,
		StrategyID: string(id),
		Message:    message,
		At:         e.clock.Now(),
	})
}

func unknownStrategy(op string, id strategy.ID) error {
	return errs.New(op, errs.CodeNotFound, errs.WithStrategy(string(id)), errs.WithMessage("unknown strategy"))
}
