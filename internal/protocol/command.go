// Package protocol defines the messages exchanged with the strategy process manager.
package protocol

import (
	"time"

	json "github.com/goccy/go-json"
)

// Source tags every outbound message.
const Source = "stratdesk"

// CommandType enumerates outbound message types.
type CommandType string

const (
	CommandRunStrategy   CommandType = "run_strategy"
	CommandStopStrategy  CommandType = "stop_strategy"
	CommandExecuteScript CommandType = "execute_python_script"
	CommandStopScript    CommandType = "stop_python_script"
	CommandGetStatus     CommandType = "get_strategy_status"
	CommandGetConfig     CommandType = "get_trading_config"
)

// Command is a single outbound message. StrategyID is always the backend spelling.
type Command struct {
	Type              CommandType `json:"type"`
	StrategyID        string      `json:"strategy_id,omitempty"`
	Action            string      `json:"action,omitempty"`
	ExecutionID       string      `json:"execution_id,omitempty"`
	TargetExecutionID string      `json:"target_execution_id,omitempty"`
	ScriptName        string      `json:"script_name,omitempty"`
	RequestID         string      `json:"request_id,omitempty"`
	Timestamp         int64       `json:"timestamp"`
	Source            string      `json:"source"`
}

// Encode stamps the command with its source tag and timestamp when absent and marshals it.
func (c Command) Encode(now time.Time) ([]byte, error) {
	if c.Timestamp == 0 {
		c.Timestamp = now.UnixMilli()
	}
	if c.Source == "" {
		c.Source = Source
	}
	return json.Marshal(c)
}
