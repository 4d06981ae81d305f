package models

import "encoding/json"

// StopReason indicates why the model ended its turn.
type StopReason string

const (
	StopToolUse StopReason = "tool-use"
	StopEndTurn StopReason = "end-turn"
)

// Usage reports token consumption for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ModelResponse is the provider-agnostic result of one model call.
type ModelResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Text concatenates the text blocks of the response.
func (r *ModelResponse) Text() string {
	return Message{Blocks: r.Content}.Text()
}

// ToolUses returns the tool-use blocks of the response in order.
func (r *ModelResponse) ToolUses() []ContentBlock {
	return Message{Blocks: r.Content}.ToolUses()
}

// ToolSpec advertises a tool to the model: a name, a natural-language
// description, and a JSON-schema-shaped input description.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}
