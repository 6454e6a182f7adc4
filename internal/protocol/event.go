package protocol

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/stratdesk/errs"
)

// Inbound message types.
const (
	TypeRunStarted      = "strategy_run_started"
	TypeRunCompleted    = "strategy_run_completed"
	TypeRunError        = "strategy_run_error"
	TypeScriptStarted   = "python_script_started"
	TypeScriptCompleted = "python_script_completed"
	TypeScriptError     = "python_script_error"
	TypeScriptStopped   = "python_script_stopped"
	TypeStrategyStatus  = "strategy_status"
	TypeTradingConfig   = "trading_config"
)

// Event is the closed set of inbound messages. Only types in this package implement it.
type Event interface {
	event()
}

// Family distinguishes the strategy-runner events from the script-executor events.
type Family string

const (
	FamilyRun    Family = "run"
	FamilyScript Family = "script"
	// FamilyLocal marks events synthesised by the local fallback runtime.
	FamilyLocal Family = "local"
)

// Lifecycle carries the correlation fields shared by all lifecycle events.
type Lifecycle struct {
	StrategyID  string
	ExecutionID string
	Family      Family
	At          time.Time
}

// Started confirms that an execution began.
type Started struct{ Lifecycle }

// Completed reports that an execution finished normally.
type Completed struct{ Lifecycle }

// Failed reports a backend error for an execution.
type Failed struct {
	Lifecycle
	Message string
}

// Stopped confirms that an execution was stopped on request.
type Stopped struct{ Lifecycle }

// StrategyStatus is one strategy's authoritative state inside a snapshot.
type StrategyStatus struct {
	// IsRunning is nil when the reply does not report the run state.
	IsRunning        *bool
	ExecutionID      string
	Enabled          *bool
	AllocatedCapital *decimal.Decimal
}

// StatusSnapshot is the reply to get_strategy_status.
type StatusSnapshot struct {
	Strategies map[string]StrategyStatus
	At         time.Time
}

// ConfigSnapshot is the reply to get_trading_config.
type ConfigSnapshot struct {
	Strategies map[string]StrategyStatus
	At         time.Time
}

func (Started) event()        {}
func (Completed) event()      {}
func (Failed) event()         {}
func (Stopped) event()        {}
func (StatusSnapshot) event() {}
func (ConfigSnapshot) event() {}

type envelope struct {
	Type        string                    `json:"type"`
	StrategyID  string                    `json:"strategy_id"`
	ExecutionID string                    `json:"execution_id"`
	Error       string                    `json:"error"`
	Message     string                    `json:"message"`
	Timestamp   json.RawMessage           `json:"timestamp"`
	Strategies  map[string]statusEnvelope `json:"strategies"`
}

type statusEnvelope struct {
	IsRunning        *bool            `json:"is_running"`
	ExecutionID      string           `json:"execution_id"`
	Enabled          *bool            `json:"enabled"`
	AllocatedCapital *decimal.Decimal `json:"allocated_capital"`
}

// Decode parses an inbound frame into one of the Event variants.
// Lifecycle events without a strategy or execution id are rejected as malformed.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.New("protocol/decode", errs.CodeMalformed, errs.WithMessage("invalid json"), errs.WithCause(err))
	}
	kind := strings.TrimSpace(env.Type)
	at := parseTimestamp(env.Timestamp)

	switch kind {
	case TypeStrategyStatus:
		return StatusSnapshot{Strategies: convertStatuses(env.Strategies), At: at}, nil
	case TypeTradingConfig:
		return ConfigSnapshot{Strategies: convertStatuses(env.Strategies), At: at}, nil
	}

	family, ok := familyOf(kind)
	if !ok {
		return nil, errs.New("protocol/decode", errs.CodeMalformed,
			errs.WithMessage("unknown message type"), errs.WithField("type", kind))
	}
	lc := Lifecycle{
		StrategyID:  strings.TrimSpace(env.StrategyID),
		ExecutionID: strings.TrimSpace(env.ExecutionID),
		Family:      family,
		At:          at,
	}
	if lc.StrategyID == "" {
		return nil, errs.New("protocol/decode", errs.CodeMalformed,
			errs.WithMessage("strategy_id required"), errs.WithField("type", kind))
	}
	if lc.ExecutionID == "" {
		return nil, errs.New("protocol/decode", errs.CodeMalformed,
			errs.WithStrategy(lc.StrategyID),
			errs.WithMessage("execution_id required"), errs.WithField("type", kind))
	}

	switch kind {
	case TypeRunStarted, TypeScriptStarted:
		return Started{Lifecycle: lc}, nil
	case TypeRunCompleted, TypeScriptCompleted:
		return Completed{Lifecycle: lc}, nil
	case TypeRunError, TypeScriptError:
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		return Failed{Lifecycle: lc, Message: msg}, nil
	default:
		return Stopped{Lifecycle: lc}, nil
	}
}

func familyOf(kind string) (Family, bool) {
	switch kind {
	case TypeRunStarted, TypeRunCompleted, TypeRunError:
		return FamilyRun, true
	case TypeScriptStarted, TypeScriptCompleted, TypeScriptError, TypeScriptStopped:
		return FamilyScript, true
	default:
		return "", false
	}
}

func convertStatuses(in map[string]statusEnvelope) map[string]StrategyStatus {
	out := make(map[string]StrategyStatus, len(in))
	for id, status := range in {
		key := strings.TrimSpace(id)
		if key == "" {
			continue
		}
		out[key] = StrategyStatus{
			IsRunning:        status.IsRunning,
			ExecutionID:      strings.TrimSpace(status.ExecutionID),
			Enabled:          status.Enabled,
			AllocatedCapital: status.AllocatedCapital,
		}
	}
	return out
}

// parseTimestamp accepts unix milliseconds or RFC 3339 strings; anything else yields the zero time.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	var millis int64
	if err := json.Unmarshal(raw, &millis); err == nil {
		if millis <= 0 {
			return time.Time{}
		}
		return time.UnixMilli(millis).UTC()
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(text)); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
