// Package httpserver exposes the operator control API for strategy run state.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/stratdesk/errs"
	"github.com/coachpo/stratdesk/internal/domain/strategy"
	"github.com/coachpo/stratdesk/internal/engine"
	"github.com/coachpo/stratdesk/internal/fallback"
	"github.com/coachpo/stratdesk/internal/infra/config"
	"github.com/coachpo/stratdesk/internal/notify"
	"github.com/coachpo/stratdesk/internal/runstate"
)

const (
	strategiesPath       = "/strategies"
	strategyDetailPrefix = strategiesPath + "/"

	syncPath            = "/sync"
	notificationsPath   = "/notifications"
	healthPath          = "/healthz"
	fallbackModulesPath = "/fallback/modules"
	fallbackRefreshPath = fallbackModulesPath + "/refresh"

	defaultNotificationLimit = 50
)

// Controller is the run-state engine surface used by the handlers.
type Controller interface {
	Snapshot(ctx context.Context) ([]runstate.View, error)
	State(ctx context.Context, id strategy.ID) (runstate.View, error)
	Toggle(ctx context.Context, id strategy.ID) (runstate.View, error)
	RequestStart(ctx context.Context, id strategy.ID) (runstate.View, error)
	RequestStop(ctx context.Context, id strategy.ID) (runstate.View, error)
	Pull(ctx context.Context) error
}

// Notifications reads the operator notification feed.
type Notifications interface {
	Recent(limit int) []notify.Notification
	Since(seq uint64) []notify.Notification
}

// ChannelStatus reports backend connectivity.
type ChannelStatus interface {
	IsOpen() bool
}

// Modules lists and reloads local fallback scripts.
type Modules interface {
	List() []fallback.ModuleSummary
	Refresh(ctx context.Context) error
}

// Options wires the handler's collaborators. Notifications, Channel and Modules are optional.
type Options struct {
	Environment   config.Environment
	Engine        Controller
	Notifications Notifications
	Channel       ChannelStatus
	Modules       Modules
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment   config.Environment
	engine        Controller
	notifications Notifications
	channel       ChannelStatus
	modules       Modules
}

// NewHandler creates the HTTP handler for the control API.
func NewHandler(opts Options) http.Handler {
	server := &httpServer{
		environment:   opts.Environment,
		engine:        opts.Engine,
		notifications: opts.Notifications,
		channel:       opts.Channel,
		modules:       opts.Modules,
	}
	mux := http.NewServeMux()

	mux.Handle(strategiesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listStrategies,
	}))
	mux.Handle(strategyDetailPrefix, http.HandlerFunc(server.handleStrategy))
	mux.Handle(syncPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.sync,
	}))
	mux.Handle(notificationsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listNotifications,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(fallbackModulesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listModules,
	}))
	mux.Handle(fallbackRefreshPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.refreshModules,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) listStrategies(w http.ResponseWriter, r *http.Request) {
	views, err := s.engine.Snapshot(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": views})
}

// handleStrategy serves /strategies/{id} and /strategies/{id}/{toggle|start|stop}.
func (s *httpServer) handleStrategy(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, strategyDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "strategy id required")
		return
	}
	parts := strings.Split(rest, "/")
	id := strategy.ID(parts[0])

	switch len(parts) {
	case 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		view, err := s.engine.State(r.Context(), id)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case 2:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleStrategyAction(w, r, id, parts[1])
	default:
		writeError(w, http.StatusNotFound, "resource not found")
	}
}

func (s *httpServer) handleStrategyAction(w http.ResponseWriter, r *http.Request, id strategy.ID, action string) {
	var (
		view runstate.View
		err  error
	)
	switch action {
	case "toggle":
		view, err = s.engine.Toggle(r.Context(), id)
	case "start":
		view, err = s.engine.RequestStart(r.Context(), id)
	case "stop":
		view, err = s.engine.RequestStop(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *httpServer) sync(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pull(r.Context()); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *httpServer) listNotifications(w http.ResponseWriter, r *http.Request) {
	if s.notifications == nil {
		writeJSON(w, http.StatusOK, map[string]any{"notifications": []notify.Notification{}})
		return
	}
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": s.notifications.Since(seq)})
		return
	}
	limit := defaultNotificationLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": s.notifications.Recent(limit)})
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	open := s.channel != nil && s.channel.IsOpen()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": s.environment,
		"channelOpen": open,
	})
}

func (s *httpServer) listModules(w http.ResponseWriter, _ *http.Request) {
	if s.modules == nil {
		writeJSON(w, http.StatusOK, map[string]any{"modules": []fallback.ModuleSummary{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modules": s.modules.List()})
}

func (s *httpServer) refreshModules(w http.ResponseWriter, r *http.Request) {
	if s.modules == nil {
		writeError(w, http.StatusNotFound, "fallback runtime disabled")
		return
	}
	if err := s.modules.Refresh(r.Context()); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modules": s.modules.List()})
}

func (s *httpServer) writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	code, _ := errs.CodeOf(err)
	switch code {
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.CodeInvalid:
		writeError(w, http.StatusConflict, err.Error())
	case errs.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
