package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/stratdesk/errs"
	"github.com/coachpo/stratdesk/internal/domain/strategy"
	"github.com/coachpo/stratdesk/internal/engine"
	"github.com/coachpo/stratdesk/internal/fallback"
	"github.com/coachpo/stratdesk/internal/infra/config"
	"github.com/coachpo/stratdesk/internal/notify"
	"github.com/coachpo/stratdesk/internal/runstate"
)

type stubController struct {
	mu      sync.Mutex
	states  map[strategy.ID]strategy.RunState
	calls   []string
	pullErr error
	closed  bool
}

func newStubController() *stubController {
	return &stubController{states: map[strategy.ID]strategy.RunState{
		"divergence": strategy.Idle,
		"pml":        strategy.Running,
	}}
}

func (c *stubController) record(call string, id strategy.ID) (runstate.View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call+":"+string(id))
	if c.closed {
		return runstate.View{}, engine.ErrClosed
	}
	state, ok := c.states[id]
	if !ok {
		return runstate.View{}, errs.New("engine/"+call, errs.CodeNotFound, errs.WithStrategy(string(id)), errs.WithMessage("unknown strategy"))
	}
	switch call {
	case "start":
		if state == strategy.Running {
			return runstate.View{}, errs.New("engine/start", errs.CodeInvalid, errs.WithMessage("strategy already running"))
		}
		state = strategy.Running
	case "stop":
		if state != strategy.Running {
			return runstate.View{}, errs.New("engine/stop", errs.CodeInvalid, errs.WithMessage("strategy not running"))
		}
		state = strategy.Stopped
	case "toggle":
		if state == strategy.Running {
			state = strategy.Stopped
		} else {
			state = strategy.Running
		}
	}
	c.states[id] = state
	return runstate.View{StrategyID: id, State: state}, nil
}

func (c *stubController) Snapshot(context.Context) ([]runstate.View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []runstate.View{
		{StrategyID: "divergence", State: c.states["divergence"]},
		{StrategyID: "pml", State: c.states["pml"]},
	}, nil
}

func (c *stubController) State(_ context.Context, id strategy.ID) (runstate.View, error) {
	return c.record("state", id)
}

func (c *stubController) Toggle(_ context.Context, id strategy.ID) (runstate.View, error) {
	return c.record("toggle", id)
}

func (c *stubController) RequestStart(_ context.Context, id strategy.ID) (runstate.View, error) {
	return c.record("start", id)
}

func (c *stubController) RequestStop(_ context.Context, id strategy.ID) (runstate.View, error) {
	return c.record("stop", id)
}

func (c *stubController) Pull(context.Context) error {
	return c.pullErr
}

type stubChannel bool

func (s stubChannel) IsOpen() bool { return bool(s) }

type stubModules struct {
	refreshErr error
	refreshed  int
}

func (m *stubModules) List() []fallback.ModuleSummary {
	return []fallback.ModuleSummary{{Name: "pml", File: "pml.js", Metadata: fallback.Metadata{Name: "pml"}}}
}

func (m *stubModules) Refresh(context.Context) error {
	m.refreshed++
	return m.refreshErr
}

func newTestHandler(ctrl *stubController, feed *notify.Feed, modules Modules) http.Handler {
	opts := Options{
		Environment: config.EnvDev,
		Engine:      ctrl,
		Channel:     stubChannel(true),
		Modules:     modules,
	}
	if feed != nil {
		opts.Notifications = feed
	}
	return NewHandler(opts)
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func TestListAndGetStrategies(t *testing.T) {
	h := newTestHandler(newStubController(), nil, nil)

	rec, body := do(t, h, http.MethodGet, "/strategies")
	require.Equal(t, http.StatusOK, rec.Code)
	list, ok := body["strategies"].([]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	first := list[0].(map[string]any)
	require.Equal(t, "divergence", first["strategyId"])
	require.Equal(t, "idle", first["state"])

	rec, body = do(t, h, http.MethodGet, "/strategies/pml")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "running", body["state"])

	rec, body = do(t, h, http.MethodGet, "/strategies/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "error", body["status"])
}

func TestStrategyActions(t *testing.T) {
	ctrl := newStubController()
	h := newTestHandler(ctrl, nil, nil)

	rec, body := do(t, h, http.MethodPost, "/strategies/divergence/start")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "running", body["state"])

	rec, _ = do(t, h, http.MethodPost, "/strategies/divergence/start")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, body = do(t, h, http.MethodPost, "/strategies/divergence/toggle")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "stopped", body["state"])

	rec, _ = do(t, h, http.MethodPost, "/strategies/divergence/stop")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/strategies/divergence/explode")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/strategies/divergence/start")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))

	rec, _ = do(t, h, http.MethodPost, "/strategies/pml")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/strategies/pml/stop/now")
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, []string{"start:divergence", "start:divergence", "toggle:divergence", "stop:divergence"}, ctrl.calls)
}

func TestClosedEngineIsUnavailable(t *testing.T) {
	ctrl := newStubController()
	ctrl.closed = true
	h := newTestHandler(ctrl, nil, nil)

	rec, _ := do(t, h, http.MethodPost, "/strategies/pml/toggle")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSyncMapsUnavailable(t *testing.T) {
	ctrl := newStubController()
	h := newTestHandler(ctrl, nil, nil)

	rec, body := do(t, h, http.MethodPost, "/sync")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "requested", body["status"])

	ctrl.pullErr = errs.New("engine/pull", errs.CodeUnavailable, errs.WithMessage("backend channel not open"))
	rec, body = do(t, h, http.MethodPost, "/sync")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, body["error"], "backend channel not open")

	ctrl.pullErr = errors.New("boom")
	rec, _ = do(t, h, http.MethodPost, "/sync")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/sync")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNotifications(t *testing.T) {
	feed := notify.NewFeed(10, nil)
	for _, msg := range []string{"a", "b", "c"} {
		feed.Publish(notify.Notification{Kind: notify.KindTimeout, Level: notify.LevelWarning, StrategyID: "pml", Message: msg})
	}
	h := newTestHandler(newStubController(), feed, nil)

	rec, body := do(t, h, http.MethodGet, "/notifications?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	items := body["notifications"].([]any)
	require.Len(t, items, 2)
	require.Equal(t, "b", items[0].(map[string]any)["message"])

	rec, body = do(t, h, http.MethodGet, "/notifications?since=2")
	require.Equal(t, http.StatusOK, rec.Code)
	items = body["notifications"].([]any)
	require.Len(t, items, 1)
	require.Equal(t, "c", items[0].(map[string]any)["message"])

	rec, _ = do(t, h, http.MethodGet, "/notifications?limit=zero")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/notifications?since=-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationsWithoutFeed(t *testing.T) {
	h := newTestHandler(newStubController(), nil, nil)
	rec, body := do(t, h, http.MethodGet, "/notifications")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, body["notifications"])
}

func TestHealthReportsChannel(t *testing.T) {
	h := NewHandler(Options{Environment: config.EnvProd, Engine: newStubController(), Channel: stubChannel(false)})
	rec, body := do(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, body["channelOpen"])
	require.Equal(t, "prod", body["environment"])
}

func TestFallbackModules(t *testing.T) {
	modules := &stubModules{}
	h := newTestHandler(newStubController(), nil, modules)

	rec, body := do(t, h, http.MethodGet, "/fallback/modules")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["modules"], 1)

	rec, _ = do(t, h, http.MethodPost, "/fallback/modules/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, modules.refreshed)

	modules.refreshErr = errors.New("duplicate module name")
	rec, body = do(t, h, http.MethodPost, "/fallback/modules/refresh")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.True(t, strings.Contains(body["error"].(string), "duplicate"))

	disabled := newTestHandler(newStubController(), nil, nil)
	rec, _ = do(t, disabled, http.MethodPost, "/fallback/modules/refresh")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHandler(newStubController(), nil, nil)
	rec, _ := do(t, h, http.MethodOptions, "/strategies")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
