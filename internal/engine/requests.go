package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/coachpo/stratdesk/errs"
	"github.com/coachpo/stratdesk/internal/channel"
	"github.com/coachpo/stratdesk/internal/domain/strategy"
	"github.com/coachpo/stratdesk/internal/notify"
	"github.com/coachpo/stratdesk/internal/protocol"
	"github.com/coachpo/stratdesk/internal/runstate"
)

func newExecutionID(id strategy.ID) string {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	return fmt.Sprintf("%s_%s", id, u.String())
}

func (e *Engine) start(ctx context.Context, entry *runstate.Entry) error {
	def, _ := e.catalog.Lookup(entry.ID)
	now := e.clock.Now()
	from := entry.State

	entry.Supersede()
	execID := newExecutionID(entry.ID)
	entry.State = strategy.Running
	entry.SetPending(runstate.Pending{
		ExecutionID: execID,
		Action:      strategy.ActionStart,
		IssuedAt:    now,
		Mode:        strategy.ModeRemote,
	}, nil)
	e.persist(ctx, entry)
	e.emit(entry, from, "start requested")

	if !e.channel.IsOpen() {
		e.fallback(ctx, entry, def)
		return nil
	}
	cmd := protocol.Command{
		Type:        protocol.CommandRunStrategy,
		StrategyID:  string(def.BackendID),
		Action:      string(strategy.ActionStart),
		ExecutionID: execID,
		Timestamp:   now.UnixMilli(),
	}
	if def.Script != "" {
		cmd.Type = protocol.CommandExecuteScript
		cmd.Action = ""
		cmd.ScriptName = def.Script
	}
	if err := e.channel.Send(ctx, cmd); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			e.fallback(ctx, entry, def)
			return nil
		}
		e.logger.Printf("send %s for %s: %v", cmd.Type, entry.ID, err)
	}
	e.metrics.recordRequest(entry.ID, strategy.ActionStart, strategy.ModeRemote)

	id := entry.ID
	entry.ArmTimer(e.clock.AfterFunc(e.cfg.StartTimeout, func() {
		e.post(func() { e.startTimedOut(id, execID) })
	}))
	return nil
}

func (e *Engine) startTimedOut(id strategy.ID, execID string) {
	entry := e.store.Entry(id)
	if !entry.PendingFor(execID) || entry.Pending.Action != strategy.ActionStart || entry.Pending.Mode != strategy.ModeRemote {
		return
	}
	from := entry.State
	entry.Resolve(execID, e.clock.Now())
	e.persist(context.Background(), entry)
	e.emit(entry, from, "start timed out")
	e.metrics.recordTimeout(id, strategy.ActionStart)
	e.publish(notify.LevelWarning, notify.KindTimeout, id,
		fmt.Sprintf("%s did not confirm start within %s", id, e.cfg.StartTimeout))
}

// fallback handles a start that cannot reach the backend.
func (e *Engine) fallback(ctx context.Context, entry *runstate.Entry, def strategy.Definition) {
	pending := entry.Pending
	if pending == nil {
		return
	}
	execID := pending.ExecutionID
	now := e.clock.Now()

	if !def.Fallback || e.runner == nil || !e.runner.Supports(def.BackendID) {
		entry.ClearPending()
		entry.State = strategy.Idle
		e.persist(ctx, entry)
		e.emit(entry, strategy.Running, "channel unavailable")
		e.publish(notify.LevelWarning, notify.KindUnavailable, entry.ID,
			fmt.Sprintf("backend unavailable, %s was not started", entry.ID))
		return
	}

	pending.Mode = strategy.ModeLocal
	id := entry.ID
	entry.ArmTimer(e.clock.AfterFunc(e.cfg.FallbackCeiling, func() {
		e.post(func() { e.fallbackExpired(id, execID) })
	}))
	e.persist(ctx, entry)
	e.emit(entry, strategy.Running, "running locally")
	e.metrics.recordRequest(id, strategy.ActionStart, strategy.ModeLocal)
	e.publish(notify.LevelInfo, notify.KindFallbackStarted, id,
		fmt.Sprintf("backend unavailable, running %s locally", id))

	if err := e.runner.Start(ctx, def.BackendID, execID); err != nil {
		entry.Resolve(execID, now)
		e.persist(ctx, entry)
		e.emit(entry, strategy.Running, "local start failed")
		e.publish(notify.LevelError, notify.KindBackendError, id, err.Error())
	}
}

func (e *Engine) fallbackExpired(id strategy.ID, execID string) {
	entry := e.store.Entry(id)
	if !entry.PendingFor(execID) && !(entry.ActiveFor(execID) && entry.ActiveMode == strategy.ModeLocal) {
		return
	}
	if e.runner != nil {
		e.runner.Stop(execID)
	}
	from := entry.State
	entry.Resolve(execID, e.clock.Now())
	e.persist(context.Background(), entry)
	e.emit(entry, from, "local run exceeded ceiling")
	e.metrics.recordTimeout(id, strategy.ActionStart)
	e.publish(notify.LevelError, notify.KindFallbackTimeout, id,
		fmt.Sprintf("local run of %s exceeded %s and was stopped", id, e.cfg.FallbackCeiling))
}

func (e *Engine) stop(ctx context.Context, entry *runstate.Entry) error {
	def, _ := e.catalog.Lookup(entry.ID)
	now := e.clock.Now()
	from := entry.State

	target := entry.ActiveExecution
	mode := entry.ActiveMode
	if entry.Pending != nil && entry.Pending.Action == strategy.ActionStart {
		if target == "" {
			target = entry.Pending.ExecutionID
		}
		if entry.Pending.Mode == strategy.ModeLocal {
			mode = strategy.ModeLocal
		}
	}
	if mode == "" {
		mode = strategy.ModeRemote
	}

	execID := newExecutionID(entry.ID)
	entry.State = strategy.Stopped
	entry.SetPending(runstate.Pending{
		ExecutionID: execID,
		Action:      strategy.ActionStop,
		IssuedAt:    now,
		Mode:        mode,
		Target:      target,
	}, nil)
	e.persist(ctx, entry)
	e.emit(entry, from, "stop requested")
	e.metrics.recordRequest(entry.ID, strategy.ActionStop, mode)

	switch {
	case mode == strategy.ModeLocal:
		if e.runner == nil || !e.runner.Stop(target) {
			e.logger.Printf("stop %s: no local execution %s", entry.ID, target)
		}
	case e.channel.IsOpen():
		cmd := protocol.Command{
			Type:              protocol.CommandStopStrategy,
			StrategyID:        string(def.BackendID),
			Action:            string(strategy.ActionStop),
			ExecutionID:       execID,
			TargetExecutionID: target,
			Timestamp:         now.UnixMilli(),
		}
		if def.Script != "" {
			cmd.Type = protocol.CommandStopScript
			cmd.Action = ""
			cmd.ScriptName = def.Script
		}
		if err := e.channel.Send(ctx, cmd); err != nil {
			e.logger.Printf("send %s for %s: %v", cmd.Type, entry.ID, err)
		}
	default:
		e.logger.Printf("stop %s: backend unavailable, resolving locally", entry.ID)
	}

	id := entry.ID
	entry.ArmTimer(e.clock.AfterFunc(e.cfg.StopGrace, func() {
		e.post(func() { e.stopGraceElapsed(id, execID) })
	}))
	return nil
}

func (e *Engine) stopGraceElapsed(id strategy.ID, execID string) {
	entry := e.store.Entry(id)
	if !entry.PendingFor(execID) || entry.Pending.Action != strategy.ActionStop {
		return
	}
	resolved := entry.Pending.Target
	if resolved == "" {
		resolved = execID
	}
	from := entry.State
	entry.Resolve(resolved, e.clock.Now())
	e.persist(context.Background(), entry)
	e.emit(entry, from, "stop grace elapsed")
	e.publish(notify.LevelInfo, notify.KindStoppedLocally, id,
		fmt.Sprintf("%s stopped locally", id))
}

func (e *Engine) pull(ctx context.Context) error {
	now := e.clock.Now()
	e.lastPullAt = now
	if !e.channel.IsOpen() {
		return errs.New("engine/pull", errs.CodeUnavailable, errs.WithMessage("backend channel not open"))
	}
	requestID := uuid.NewString()
	for _, kind := range []protocol.CommandType{protocol.CommandGetStatus, protocol.CommandGetConfig} {
		err := e.channel.Send(ctx, protocol.Command{Type: kind, RequestID: requestID, Timestamp: now.UnixMilli()})
		if err == nil {
			continue
		}
		if errors.Is(err, channel.ErrClosed) {
			return errs.New("engine/pull", errs.CodeUnavailable, errs.WithMessage("backend channel closed"), errs.WithCause(err))
		}
		return errs.New("engine/pull", errs.CodeUnavailable, errs.WithField("type", string(kind)), errs.WithCause(err))
	}
	return nil
}
