package models

import "time"

// AgentResult is the outcome of one agent run.
type AgentResult struct {
	Success     bool   `json:"success"`
	Content     string `json:"content"`
	Steps       int    `json:"steps"`
	Stuck       bool   `json:"stuck"`
	StuckReason string `json:"stuck_reason,omitempty"`
}

// Strategy is the escalation manager's next action for a stuck agent.
type Strategy string

const (
	StrategyRetry     Strategy = "retry"
	StrategyReroute   Strategy = "reroute"
	StrategyDecompose Strategy = "decompose"
	StrategyAskUser   Strategy = "ask-user"
)

// EscalationDecision tells the orchestrator how to proceed after an agent
// reported stuck.
type EscalationDecision struct {
	Strategy    Strategy `json:"strategy"`
	Agent       string   `json:"agent,omitempty"`
	Guidance    string   `json:"guidance,omitempty"`
	UserMessage string   `json:"user_message,omitempty"`
}

// FailureRecord is one entry in the escalation manager's in-memory log. It
// prevents rerouting to an agent that already failed the same task.
type FailureRecord struct {
	Agent      string    `json:"agent"`
	TaskPrefix string    `json:"task_prefix"`
	Reason     string    `json:"reason"`
	Attempt    int       `json:"attempt"`
	Timestamp  time.Time `json:"timestamp"`
}

// ScratchpadEntry is one key-addressed value in the shared inter-agent store.
type ScratchpadEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Kind      string    `json:"kind"`
	Writer    string    `json:"writer"`
	Timestamp time.Time `json:"ts"`
}

// Outcome classifies a recorded agent run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// MemoryRecord is one line in an agent's append-only outcome log.
type MemoryRecord struct {
	Agent     string    `json:"agent"`
	Task      string    `json:"task"`
	Outcome   Outcome   `json:"outcome"`
	Details   string    `json:"details,omitempty"`
	Steps     int       `json:"steps"`
	Timestamp time.Time `json:"timestamp"`
}
