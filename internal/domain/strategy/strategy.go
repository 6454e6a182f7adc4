// Package strategy defines strategy identity, the frontend/backend naming table and run states.
package strategy

import (
	"fmt"
	"strings"
)

// ID is the frontend-facing strategy identifier (e.g. "iron-condor").
type ID string

// BackendID is the identifier spelling used by the remote process manager (e.g. "iron_condor").
type BackendID string

// RunState is the operator-visible run status of a strategy.
type RunState int

const (
	// Idle is the default, never-run or finished state.
	Idle RunState = iota
	// Running means a start was requested or confirmed.
	Running
	// Stopped means a stop was requested but the strategy is not idle yet.
	Stopped
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("runstate(%d)", int(s))
	}
}

// MarshalText renders the state name for JSON and YAML encoders.
func (s RunState) MarshalText() ([]byte, error) {
	switch s {
	case Idle, Running, Stopped:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("invalid run state %d", int(s))
	}
}

// UnmarshalText parses a state name.
func (s *RunState) UnmarshalText(text []byte) error {
	parsed, err := ParseRunState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseRunState converts a textual state name.
func ParseRunState(raw string) (RunState, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "idle":
		return Idle, nil
	case "running":
		return Running, nil
	case "stopped":
		return Stopped, nil
	default:
		return Idle, fmt.Errorf("unknown run state %q", raw)
	}
}

// Action identifies the kind of request awaiting acknowledgment.
type Action string

const (
	// ActionStart requests a strategy run.
	ActionStart Action = "start"
	// ActionStop requests a running strategy to stop.
	ActionStop Action = "stop"
)

// Mode records where an execution runs.
type Mode string

const (
	// ModeRemote executions run on the backend process manager.
	ModeRemote Mode = "remote"
	// ModeLocal executions run in the local fallback runtime.
	ModeLocal Mode = "local"
)
