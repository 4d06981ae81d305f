package models

import (
	"encoding/json"
	"time"
)

// Event is one telemetry record on the bus. Every event carries a monotonic
// timestamp and serializes as JSON {type, ts, data}.
type Event struct {
	Type string         `json:"type"`
	TS   time.Time      `json:"ts"`
	Data map[string]any `json:"data,omitempty"`
}

// Event types emitted by the runtime. Dashboards key their rendering off
// these strings, so they are part of the wire contract.
const (
	EventAgentStarted   = "agent_started"
	EventAgentDone      = "agent_done"
	EventAgentStuck     = "agent_stuck"
	EventAgentCancelled = "agent_cancelled"
	EventAgentProgress  = "agent_progress"
	EventThinkingStart  = "thinking_start"
	EventThinking       = "thinking"
	EventEndTurn        = "end_turn"
	EventAPICall        = "api_call"
	EventToolCalled     = "tool_called"
	EventToolResult     = "tool_result"
	EventTaskReceived   = "task_received"
	EventKillSwitch     = "kill_switch"
	EventKillReset      = "kill_reset"
	EventTunnelStatus   = "tunnel_status"
	EventEscalation     = "escalation"
	EventError          = "error"
)

// Encode serializes the event for the wire.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a wire frame back into an Event.
func DecodeEvent(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
