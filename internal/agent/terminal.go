package agent

import (
	"encoding/json"

	"github.com/wardenlabs/warden/pkg/models"
)

// Terminal tool names. The loop intercepts these; they are never dispatched.
const (
	ToolDone  = "done"
	ToolStuck = "stuck"
)

// IsTerminal reports whether name is a loop-intercepted terminal signal.
func IsTerminal(name string) bool {
	return name == ToolDone || name == ToolStuck
}

// DoneSpec advertises the done terminal to the model.
func DoneSpec() models.ToolSpec {
	return models.ToolSpec{
		Name:        ToolDone,
		Description: "Call when the task is fully complete. Provide a concise summary of what was accomplished.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"summary": {"type": "string", "description": "What was accomplished"}
			},
			"required": ["summary"]
		}`),
	}
}

// StuckSpec advertises the stuck terminal to the model.
func StuckSpec() models.ToolSpec {
	return models.ToolSpec{
		Name:        ToolStuck,
		Description: "Call when you cannot make further progress. Explain exactly what is blocking you.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"reason": {"type": "string", "description": "What is blocking progress"}
			},
			"required": ["reason"]
		}`),
	}
}
