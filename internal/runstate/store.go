// Package runstate holds the authoritative per-strategy run state.
//
// The store is not safe for concurrent use. It is owned by the engine's task
// loop, which is the only writer and reader.
package runstate

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/stratdesk/internal/domain/strategy"
)

// resolvedHistory bounds how many finished executions an entry remembers.
const resolvedHistory = 16

// Timer is a cancellable callback handle.
type Timer interface {
	Stop() bool
}

// Pending is a request awaiting acknowledgment from the backend or the local runtime.
type Pending struct {
	ExecutionID string
	Action      strategy.Action
	IssuedAt    time.Time
	Mode        strategy.Mode
	// Target is the execution a stop request refers to.
	Target string

	timer Timer
}

// Allocation is the trading configuration reported for a strategy.
type Allocation struct {
	Enabled          *bool
	AllocatedCapital *decimal.Decimal
}

// Entry is one strategy's state.
type Entry struct {
	ID    strategy.ID
	State strategy.RunState

	Pending *Pending

	// ActiveExecution is the execution confirmed by a started event or a snapshot.
	ActiveExecution string
	ActiveMode      strategy.Mode
	ActiveSince     time.Time
	// LastResolved is the most recently finished execution.
	LastResolved string

	activeTimer Timer
	resolved    []string

	Allocation Allocation
	UpdatedAt  time.Time
}

// SetPending replaces the pending request, stopping the previous timer.
func (e *Entry) SetPending(p Pending, timer Timer) {
	e.ClearPending()
	p.timer = timer
	e.Pending = &p
}

// ArmTimer attaches timer to the current pending request, stopping any earlier one.
func (e *Entry) ArmTimer(timer Timer) {
	if e.Pending == nil {
		if timer != nil {
			timer.Stop()
		}
		return
	}
	if e.Pending.timer != nil {
		e.Pending.timer.Stop()
	}
	e.Pending.timer = timer
}

// ClearPending drops the pending request and stops its timer.
func (e *Entry) ClearPending() {
	if e.Pending == nil {
		return
	}
	if e.Pending.timer != nil {
		e.Pending.timer.Stop()
	}
	e.Pending = nil
}

// PendingFor reports whether executionID is the pending request's execution.
func (e *Entry) PendingFor(executionID string) bool {
	return e.Pending != nil && executionID != "" && e.Pending.ExecutionID == executionID
}

// ActiveFor reports whether executionID is the confirmed active execution.
func (e *Entry) ActiveFor(executionID string) bool {
	return executionID != "" && e.ActiveExecution == executionID
}

// ConfirmPending promotes the pending request's timer to the active execution
// and drops the request. Used when a local run is confirmed and its ceiling must keep running.
func (e *Entry) ConfirmPending() {
	if e.Pending == nil {
		return
	}
	if e.activeTimer != nil {
		e.activeTimer.Stop()
	}
	e.activeTimer = e.Pending.timer
	e.Pending.timer = nil
	e.Pending = nil
}

// Resolved reports whether executionID finished recently.
func (e *Entry) Resolved(executionID string) bool {
	if executionID == "" {
		return false
	}
	for _, id := range e.resolved {
		if id == executionID {
			return true
		}
	}
	return false
}

func (e *Entry) markResolved(executionID string) {
	if executionID == "" {
		return
	}
	e.LastResolved = executionID
	if e.Resolved(executionID) {
		return
	}
	if len(e.resolved) == resolvedHistory {
		e.resolved = append(e.resolved[:0], e.resolved[1:]...)
	}
	e.resolved = append(e.resolved, executionID)
}

// Supersede retires the active execution before a new one is requested.
func (e *Entry) Supersede() {
	if e.ActiveExecution == "" {
		return
	}
	e.markResolved(e.ActiveExecution)
	e.clearActive()
}

func (e *Entry) clearActive() {
	if e.activeTimer != nil {
		e.activeTimer.Stop()
		e.activeTimer = nil
	}
	e.ActiveExecution = ""
	e.ActiveMode = ""
	e.ActiveSince = time.Time{}
}

// Activate records a confirmed execution.
func (e *Entry) Activate(executionID string, mode strategy.Mode, at time.Time) {
	e.ActiveExecution = executionID
	e.ActiveMode = mode
	e.ActiveSince = at
}

// Resolve marks the strategy idle after an execution ended and clears its bookkeeping.
func (e *Entry) Resolve(executionID string, at time.Time) {
	e.ClearPending()
	if executionID != "" {
		e.markResolved(executionID)
	}
	e.clearActive()
	e.State = strategy.Idle
	e.UpdatedAt = at
}

// View is a read-only copy of an entry.
type View struct {
	StrategyID         strategy.ID       `json:"strategyId"`
	State              strategy.RunState `json:"state"`
	PendingAction      strategy.Action   `json:"pendingAction,omitempty"`
	PendingExecutionID string            `json:"pendingExecutionId,omitempty"`
	PendingSince       *time.Time        `json:"pendingSince,omitempty"`
	ActiveExecutionID  string            `json:"activeExecutionId,omitempty"`
	Mode               strategy.Mode     `json:"mode,omitempty"`
	Enabled            *bool             `json:"enabled,omitempty"`
	AllocatedCapital   *decimal.Decimal  `json:"allocatedCapital,omitempty"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// View copies the entry.
func (e *Entry) View() View {
	v := View{
		StrategyID:        e.ID,
		State:             e.State,
		ActiveExecutionID: e.ActiveExecution,
		Mode:              e.ActiveMode,
		Enabled:           e.Allocation.Enabled,
		AllocatedCapital:  e.Allocation.AllocatedCapital,
		UpdatedAt:         e.UpdatedAt,
	}
	if e.Pending != nil {
		issued := e.Pending.IssuedAt
		v.PendingAction = e.Pending.Action
		v.PendingExecutionID = e.Pending.ExecutionID
		v.PendingSince = &issued
		v.Mode = e.Pending.Mode
	}
	return v
}

// Store maps strategies to entries. Entries are created on first reference and never removed.
type Store struct {
	entries map[strategy.ID]*Entry
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[strategy.ID]*Entry)}
}

// Entry returns the entry for id, creating an Idle one when absent.
func (s *Store) Entry(id strategy.ID) *Entry {
	if e, ok := s.entries[id]; ok {
		return e
	}
	e := &Entry{ID: id, State: strategy.Idle}
	s.entries[id] = e
	return e
}

// Lookup returns the entry without creating it.
func (s *Store) Lookup(id strategy.ID) (*Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// IDs lists known strategies in sorted order.
func (s *Store) IDs() []strategy.ID {
	ids := make([]strategy.ID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Views copies every entry in id order.
func (s *Store) Views() []View {
	ids := s.IDs()
	out := make([]View, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.entries[id].View())
	}
	return out
}

// StopTimers cancels every armed timer. Used on shutdown.
func (s *Store) StopTimers() {
	for _, e := range s.entries {
		if e.Pending != nil && e.Pending.timer != nil {
			e.Pending.timer.Stop()
		}
		if e.activeTimer != nil {
			e.activeTimer.Stop()
		}
	}
}
