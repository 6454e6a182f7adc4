package engine

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/stratdesk/internal/cache"
	"github.com/coachpo/stratdesk/internal/domain/strategy"
	"github.com/coachpo/stratdesk/internal/runstate"
)

const cacheKeyPrefix = "strategy_state:"

// CacheKey returns the cache key holding a strategy's persisted run state.
func CacheKey(id strategy.ID) string {
	return cacheKeyPrefix + string(id)
}

type processInfo struct {
	ExecutionID string        `json:"executionId"`
	Mode        strategy.Mode `json:"mode,omitempty"`
	StartedAt   int64         `json:"startedAt,omitempty"`
}

// cachedState is the persisted form of one strategy.
type cachedState struct {
	IsRunning   bool         `json:"isRunning"`
	IsStopped   bool         `json:"isStopped"`
	ProcessInfo *processInfo `json:"processInfo,omitempty"`
	Timestamp   int64        `json:"timestamp"`
}

func encodeEntry(entry *runstate.Entry, now time.Time) ([]byte, error) {
	state := cachedState{
		IsRunning: entry.State == strategy.Running,
		IsStopped: entry.State == strategy.Stopped,
		Timestamp: now.UnixMilli(),
	}
	switch {
	case entry.ActiveExecution != "":
		info := &processInfo{ExecutionID: entry.ActiveExecution, Mode: entry.ActiveMode}
		if !entry.ActiveSince.IsZero() {
			info.StartedAt = entry.ActiveSince.UnixMilli()
		}
		state.ProcessInfo = info
	case entry.Pending != nil && entry.Pending.Action == strategy.ActionStart:
		state.ProcessInfo = &processInfo{
			ExecutionID: entry.Pending.ExecutionID,
			Mode:        entry.Pending.Mode,
			StartedAt:   entry.Pending.IssuedAt.UnixMilli(),
		}
	}
	return json.Marshal(state)
}

func decodeEntry(data []byte) (cachedState, error) {
	var state cachedState
	err := json.Unmarshal(data, &state)
	return state, err
}

// persist writes the entry to the cache. Failures are logged; the in-memory state stays authoritative.
func (e *Engine) persist(ctx context.Context, entry *runstate.Entry) {
	now := e.clock.Now()
	entry.UpdatedAt = now
	data, err := encodeEntry(entry, now)
	if err != nil {
		e.logger.Printf("encode %s: %v", entry.ID, err)
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := e.cache.Set(ctx, CacheKey(entry.ID), data); err != nil {
		e.logger.Printf("persist %s: %v", entry.ID, err)
	}
}

// Restore seeds the store from the cache. Cached running state without a
// local execution is trusted until the next authoritative pull; local runs
// and stop requests cannot survive a restart and are restored as Idle.
func (e *Engine) Restore(ctx context.Context) error {
	return e.do(ctx, func() error {
		for _, id := range e.catalog.IDs() {
			entry := e.store.Entry(id)
			if entry.Pending != nil {
				continue
			}
			data, err := e.cache.Get(ctx, CacheKey(id))
			if err != nil {
				if !cache.IsNotFound(err) {
					e.logger.Printf("restore %s: %v", id, err)
				}
				continue
			}
			state, err := decodeEntry(data)
			if err != nil {
				e.logger.Printf("restore %s: discard corrupt entry: %v", id, err)
				continue
			}
			from := entry.State
			local := state.ProcessInfo != nil && state.ProcessInfo.Mode == strategy.ModeLocal
			switch {
			case state.IsRunning && !local:
				entry.State = strategy.Running
				if state.ProcessInfo != nil && state.ProcessInfo.ExecutionID != "" {
					var since time.Time
					if state.ProcessInfo.StartedAt > 0 {
						since = time.UnixMilli(state.ProcessInfo.StartedAt)
					}
					entry.Activate(state.ProcessInfo.ExecutionID, strategy.ModeRemote, since)
				}
				entry.UpdatedAt = e.clock.Now()
			case state.IsRunning || state.IsStopped:
				entry.Resolve("", e.clock.Now())
				e.persist(ctx, entry)
			default:
				entry.State = strategy.Idle
			}
			e.emit(entry, from, "restored")
		}
		return nil
	})
}
