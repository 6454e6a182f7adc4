package engine

import (
	"context"
	"sort"
	"time"

	"github.com/coachpo/stratdesk/internal/domain/strategy"
	"github.com/coachpo/stratdesk/internal/notify"
	"github.com/coachpo/stratdesk/internal/protocol"
	"github.com/coachpo/stratdesk/internal/runstate"
)

func (e *Engine) apply(evt protocol.Event) {
	switch v := evt.(type) {
	case protocol.Started:
		e.applyStarted(v.Lifecycle)
	case protocol.Completed:
		e.applyTerminal(v.Lifecycle, "completed")
	case protocol.Stopped:
		e.applyTerminal(v.Lifecycle, "stopped")
	case protocol.Failed:
		e.applyFailed(v)
	case protocol.StatusSnapshot:
		e.applySnapshot(v.Strategies, v.At, false)
	case protocol.ConfigSnapshot:
		e.applySnapshot(v.Strategies, v.At, true)
	default:
		e.metrics.recordDropped("unsupported")
		e.logger.Printf("drop unsupported event %T", evt)
	}
}

// lifecycleEntry resolves the entry an event refers to, dropping unknown strategies and duplicates.
func (e *Engine) lifecycleEntry(lc protocol.Lifecycle) (*runstate.Entry, bool) {
	id, ok := e.catalog.Frontend(strategy.BackendID(lc.StrategyID))
	if !ok {
		e.metrics.recordDropped("unknown_strategy")
		e.logger.Printf("drop event for unknown strategy %q", lc.StrategyID)
		return nil, false
	}
	entry := e.store.Entry(id)
	if entry.Resolved(lc.ExecutionID) {
		e.metrics.recordDropped("duplicate")
		e.logger.Printf("drop duplicate event for %s execution %s", id, lc.ExecutionID)
		return nil, false
	}
	return entry, true
}

func stopTargets(entry *runstate.Entry, executionID string) bool {
	return entry.Pending != nil &&
		entry.Pending.Action == strategy.ActionStop &&
		executionID != "" &&
		entry.Pending.Target == executionID
}

func matches(entry *runstate.Entry, executionID string) bool {
	return entry.PendingFor(executionID) || entry.ActiveFor(executionID) || stopTargets(entry, executionID)
}

func (e *Engine) eventTime(at time.Time) time.Time {
	if at.IsZero() {
		return e.clock.Now()
	}
	return at
}

func (e *Engine) applyStarted(lc protocol.Lifecycle) {
	entry, ok := e.lifecycleEntry(lc)
	if !ok {
		return
	}
	switch {
	case entry.PendingFor(lc.ExecutionID) && entry.Pending.Action == strategy.ActionStart:
		from := entry.State
		mode := entry.Pending.Mode
		if lc.Family == protocol.FamilyLocal {
			mode = strategy.ModeLocal
		}
		entry.State = strategy.Running
		entry.Activate(lc.ExecutionID, mode, e.eventTime(lc.At))
		if mode == strategy.ModeLocal {
			entry.ConfirmPending()
		} else {
			entry.ClearPending()
		}
		e.persist(context.Background(), entry)
		e.emit(entry, from, "started")
	case entry.ActiveFor(lc.ExecutionID):
		e.logger.Printf("%s execution %s already confirmed", entry.ID, lc.ExecutionID)
	case stopTargets(entry, lc.ExecutionID):
		entry.Activate(lc.ExecutionID, entry.Pending.Mode, e.eventTime(lc.At))
		e.persist(context.Background(), entry)
		e.emit(entry, entry.State, "started while stopping")
	default:
		e.metrics.recordDropped("stale")
		e.logger.Printf("drop stale started event for %s execution %s", entry.ID, lc.ExecutionID)
	}
}

func (e *Engine) applyTerminal(lc protocol.Lifecycle, reason string) {
	entry, ok := e.lifecycleEntry(lc)
	if !ok {
		return
	}
	if !matches(entry, lc.ExecutionID) {
		e.metrics.recordDropped("stale")
		e.logger.Printf("drop stale %s event for %s execution %s", reason, entry.ID, lc.ExecutionID)
		return
	}
	from := entry.State
	entry.Resolve(lc.ExecutionID, e.clock.Now())
	e.persist(context.Background(), entry)
	e.emit(entry, from, reason)
}

func (e *Engine) applyFailed(evt protocol.Failed) {
	entry, ok := e.lifecycleEntry(evt.Lifecycle)
	if !ok {
		return
	}
	// A snapshot can confirm Running without naming the execution; an unmatched error cannot end that run.
	orphan := entry.Pending == nil && entry.ActiveExecution == "" && entry.State != strategy.Running
	if !matches(entry, evt.ExecutionID) && !orphan {
		e.metrics.recordDropped("stale")
		e.logger.Printf("drop stale error event for %s execution %s", entry.ID, evt.ExecutionID)
		return
	}
	from := entry.State
	entry.Resolve(evt.ExecutionID, e.clock.Now())
	e.persist(context.Background(), entry)
	e.emit(entry, from, "failed")
	message := evt.Message
	if message == "" {
		message = "strategy reported an error without a message"
	}
	e.publish(notify.LevelError, notify.KindBackendError, entry.ID, message)
}

// applySnapshot overwrites state with the backend's view. Local executions are
// invisible to the backend and requests issued after the snapshot are newer
// than it; both are left untouched.
func (e *Engine) applySnapshot(statuses map[string]protocol.StrategyStatus, at time.Time, config bool) {
	ref := at
	if ref.IsZero() {
		ref = e.lastPullAt
	}
	if ref.IsZero() {
		ref = e.clock.Now()
	}
	keys := make([]string, 0, len(statuses))
	for k := range statuses {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		status := statuses[key]
		id, ok := e.catalog.Frontend(strategy.BackendID(key))
		if !ok {
			e.metrics.recordDropped("unknown_strategy")
			e.logger.Printf("snapshot: skip unknown strategy %q", key)
			continue
		}
		entry := e.store.Entry(id)
		from := entry.State
		if config {
			applyAllocation(entry, status)
		}
		if status.IsRunning == nil {
			e.emit(entry, from, "trading config")
			e.metrics.recordSnapshot(id, "allocation_only")
			continue
		}
		if entry.ActiveMode == strategy.ModeLocal || (entry.Pending != nil && entry.Pending.Mode == strategy.ModeLocal) {
			e.metrics.recordSnapshot(id, "skipped_local")
			continue
		}
		if entry.Pending != nil {
			if entry.Pending.IssuedAt.After(ref) {
				e.metrics.recordSnapshot(id, "skipped_pending")
				continue
			}
			entry.ClearPending()
		}

		if *status.IsRunning {
			entry.State = strategy.Running
			if status.ExecutionID != "" && !entry.ActiveFor(status.ExecutionID) {
				entry.Activate(status.ExecutionID, strategy.ModeRemote, ref)
			}
		} else {
			entry.Resolve(entry.ActiveExecution, e.clock.Now())
		}
		e.persist(context.Background(), entry)
		e.emit(entry, from, "snapshot")
		e.metrics.recordSnapshot(id, "applied")
	}
}

func applyAllocation(entry *runstate.Entry, status protocol.StrategyStatus) {
	if status.Enabled != nil {
		enabled := *status.Enabled
		entry.Allocation.Enabled = &enabled
	}
	if status.AllocatedCapital != nil {
		capital := *status.AllocatedCapital
		entry.Allocation.AllocatedCapital = &capital
	}
}
