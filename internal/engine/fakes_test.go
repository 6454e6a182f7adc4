package engine

import (
	"bytes"
	"context"
	"log"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/stratdesk/internal/cache"
	"github.com/coachpo/stratdesk/internal/channel"
	"github.com/coachpo/stratdesk/internal/domain/strategy"
	"github.com/coachpo/stratdesk/internal/notify"
	"github.com/coachpo/stratdesk/internal/protocol"
	"github.com/coachpo/stratdesk/internal/runstate"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	fired   bool
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) runstate.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires every timer that became due, in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	due := make([]*fakeTimer, 0)
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// armed counts timers that can still fire.
func (c *fakeClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.fired && !t.stopped
	t.stopped = true
	return active
}

type recordingChannel struct {
	mu   sync.Mutex
	open bool
	sent []protocol.Command
}

func (c *recordingChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *recordingChannel) Send(_ context.Context, cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return channel.ErrClosed
	}
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *recordingChannel) commands() []protocol.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Command(nil), c.sent...)
}

type fakeRunner struct {
	mu       sync.Mutex
	supports map[strategy.BackendID]bool
	started  []string
	stopped  []string
}

func newFakeRunner(ids ...strategy.BackendID) *fakeRunner {
	r := &fakeRunner{supports: make(map[strategy.BackendID]bool)}
	for _, id := range ids {
		r.supports[id] = true
	}
	return r
}

func (r *fakeRunner) Supports(id strategy.BackendID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.supports[id]
}

func (r *fakeRunner) Start(_ context.Context, _ strategy.BackendID, executionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, executionID)
	return nil
}

func (r *fakeRunner) Stop(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.started {
		if id == executionID {
			r.stopped = append(r.stopped, executionID)
			return true
		}
	}
	return false
}

func (r *fakeRunner) calls() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...), append([]string(nil), r.stopped...)
}

type transitionLog struct {
	mu  sync.Mutex
	all []Transition
}

func (l *transitionLog) record(t Transition) {
	l.mu.Lock()
	l.all = append(l.all, t)
	l.mu.Unlock()
}

func (l *transitionLog) reasons(id strategy.ID) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0)
	for _, t := range l.all {
		if t.StrategyID == id {
			out = append(out, t.Reason)
		}
	}
	return out
}

type harness struct {
	engine  *Engine
	clock   *fakeClock
	channel *recordingChannel
	cache   *cache.MemoryStore
	feed    *notify.Feed
	log     *transitionLog
}

func newHarness(t *testing.T, open bool, opts ...Option) *harness {
	t.Helper()
	catalog, err := strategy.NewCatalog(strategy.DefaultDefinitions())
	require.NoError(t, err)
	quiet := log.New(&bytes.Buffer{}, "", 0)
	h := &harness{
		clock:   newFakeClock(),
		channel: &recordingChannel{open: open},
		cache:   cache.NewMemoryStore(),
		feed:    notify.NewFeed(50, quiet),
		log:     &transitionLog{},
	}
	base := []Option{WithClock(h.clock), WithLogger(quiet), WithNotifier(h.feed)}
	h.engine, err = New(catalog, h.channel, h.cache, append(base, opts...)...)
	require.NoError(t, err)
	h.engine.Watch(h.log.record)
	t.Cleanup(h.engine.Close)
	return h
}

// view reads state through the loop, so every previously queued task has run.
func (h *harness) view(t *testing.T, id strategy.ID) runstate.View {
	t.Helper()
	v, err := h.engine.State(context.Background(), id)
	require.NoError(t, err)
	return v
}

func (h *harness) cached(t *testing.T, id strategy.ID) cachedState {
	t.Helper()
	data, err := h.cache.Get(context.Background(), CacheKey(id))
	require.NoError(t, err)
	state, err := decodeEntry(data)
	require.NoError(t, err)
	return state
}

func (h *harness) kinds() []notify.Kind {
	out := make([]notify.Kind, 0)
	for _, n := range h.feed.Recent(0) {
		out = append(out, n.Kind)
	}
	return out
}

func lifecycle(backendID, executionID string) protocol.Lifecycle {
	return protocol.Lifecycle{StrategyID: backendID, ExecutionID: executionID, Family: protocol.FamilyRun}
}

func running(b bool) *bool { return &b }
