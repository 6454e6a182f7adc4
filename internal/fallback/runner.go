package fallback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/coachpo/stratdesk/internal/domain/strategy"
	"github.com/coachpo/stratdesk/internal/protocol"
)

// EventHandler receives lifecycle events produced by local executions.
type EventHandler func(protocol.Event)

// Runner executes fallback scripts, one goja runtime per execution.
type Runner struct {
	loader *Loader
	logger *log.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	runs    map[string]*execution
	onEvent EventHandler
	closed  bool
	wg      sync.WaitGroup
}

type execution struct {
	strategyID  strategy.BackendID
	executionID string
	rt          *goja.Runtime
	cancel      context.CancelFunc
	stopping    atomic.Bool
}

// NewRunner returns a runner resolving scripts through loader.
func NewRunner(loader *Loader, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(os.Stdout, "fallback ", log.LstdFlags|log.Lmicroseconds)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		loader:  loader,
		logger:  logger,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		mu:      sync.Mutex{},
		runs:    make(map[string]*execution),
		onEvent: nil,
		closed:  false,
	}
}

// OnEvent installs the lifecycle handler. Events for one execution are delivered in order
// from that execution's goroutine.
func (r *Runner) OnEvent(h EventHandler) {
	r.mu.Lock()
	r.onEvent = h
	r.mu.Unlock()
}

// Supports reports whether a script is loaded for the backend strategy id.
func (r *Runner) Supports(id strategy.BackendID) bool {
	if r == nil || r.loader == nil {
		return false
	}
	_, err := r.loader.Get(string(id))
	return err == nil
}

// Start launches the script for id under executionID. It returns once the script
// has been evaluated; the run export executes asynchronously.
func (r *Runner) Start(_ context.Context, id strategy.BackendID, executionID string) error {
	if strings.TrimSpace(executionID) == "" {
		return fmt.Errorf("fallback runner: execution id required")
	}
	module, err := r.loader.Get(string(id))
	if err != nil {
		return fmt.Errorf("fallback runner: %s: %w", id, err)
	}

	prefix := fmt.Sprintf("%s %s: ", id, executionID)
	rt := goja.New()
	exports, err := runModule(rt, module.Program, func(line string) { r.logger.Print(prefix + line) })
	if err != nil {
		return fmt.Errorf("fallback runner: evaluate %s: %w", module.Path, err)
	}
	fn, ok := goja.AssertFunction(exports.Get("run"))
	if !ok {
		return fmt.Errorf("fallback runner: %s: run export not callable", module.Path)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("fallback runner: closed")
	}
	if _, dup := r.runs[executionID]; dup {
		r.mu.Unlock()
		return fmt.Errorf("fallback runner: execution %s already running", executionID)
	}
	runCtx, cancel := context.WithCancel(r.ctx)
	exec := &execution{strategyID: id, executionID: executionID, rt: rt, cancel: cancel}
	r.runs[executionID] = exec
	r.wg.Add(1)
	r.mu.Unlock()

	env, err := r.buildEnv(runCtx, rt, exec, prefix)
	if err != nil {
		r.finish(exec)
		cancel()
		r.wg.Done()
		return fmt.Errorf("fallback runner: %w", err)
	}

	go r.execute(runCtx, exec, fn, env)
	return nil
}

// Stop interrupts a running execution. It reports whether the execution was found.
func (r *Runner) Stop(executionID string) bool {
	r.mu.Lock()
	exec, ok := r.runs[executionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	exec.stopping.Store(true)
	exec.cancel()
	exec.rt.Interrupt("stopped")
	return true
}

// Running lists active execution ids.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.runs))
	for id := range r.runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close interrupts every execution and waits for them to exit.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Stop(id)
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("fallback runner close: %w", ctx.Err())
	}
}

func (r *Runner) buildEnv(ctx context.Context, rt *goja.Runtime, exec *execution, prefix string) (*goja.Object, error) {
	env := rt.NewObject()
	sets := []struct {
		name  string
		value any
	}{
		{"strategyId", string(exec.strategyID)},
		{"executionId", exec.executionID},
		{"log", func(call goja.FunctionCall) goja.Value {
			r.logger.Print(prefix + call.Argument(0).String())
			return goja.Undefined()
		}},
		{"sleep", func(call goja.FunctionCall) goja.Value {
			ms := call.Argument(0).ToInteger()
			if ms <= 0 {
				return goja.Undefined()
			}
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			return goja.Undefined()
		}},
		{"stopped", func(goja.FunctionCall) goja.Value {
			return rt.ToValue(exec.stopping.Load())
		}},
	}
	for _, s := range sets {
		if err := env.Set(s.name, s.value); err != nil {
			return nil, fmt.Errorf("env %s: %w", s.name, err)
		}
	}
	return env, nil
}

func (r *Runner) execute(ctx context.Context, exec *execution, fn goja.Callable, env *goja.Object) {
	defer r.wg.Done()
	defer exec.cancel()

	lifecycle := protocol.Lifecycle{
		StrategyID:  string(exec.strategyID),
		ExecutionID: exec.executionID,
		Family:      protocol.FamilyLocal,
		At:          r.now(),
	}
	r.emit(protocol.Started{Lifecycle: lifecycle})

	err := r.call(fn, env)
	r.finish(exec)

	lifecycle.At = r.now()
	var interrupted *goja.InterruptedError
	switch {
	case exec.stopping.Load() || (errors.As(err, &interrupted) && ctx.Err() != nil):
		r.logger.Printf("%s %s: stopped", exec.strategyID, exec.executionID)
		r.emit(protocol.Stopped{Lifecycle: lifecycle})
	case err != nil:
		message := describe(err)
		r.logger.Printf("%s %s: failed: %s", exec.strategyID, exec.executionID, message)
		r.emit(protocol.Failed{Lifecycle: lifecycle, Message: message})
	default:
		r.logger.Printf("%s %s: completed", exec.strategyID, exec.executionID)
		r.emit(protocol.Completed{Lifecycle: lifecycle})
	}
}

func (r *Runner) call(fn goja.Callable, env *goja.Object) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("script panic: %v", rec)
		}
	}()
	_, err = fn(goja.Undefined(), env)
	return err
}

func (r *Runner) finish(exec *execution) {
	r.mu.Lock()
	if current, ok := r.runs[exec.executionID]; ok && current == exec {
		delete(r.runs, exec.executionID)
	}
	r.mu.Unlock()
}

func (r *Runner) emit(evt protocol.Event) {
	r.mu.Lock()
	h := r.onEvent
	r.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

func describe(err error) string {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		if v := exc.Value(); v != nil {
			return v.String()
		}
	}
	return err.Error()
}
