package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType tags the variant of a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one tagged piece of a model message: plain text, a tool-use
// request from the model, or a tool result fed back to it. Exactly one of the
// variant fields is populated, selected by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text is set when Type == BlockText.
	Text string `json:"text,omitempty"`

	// ID, Name and Input are set when Type == BlockToolUse.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolUseID and Content are set when Type == BlockToolResult.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool-use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool-result content block bound to a tool-use id.
func ToolResultBlock(toolUseID, content string) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content}
}

// Validate checks that the block's populated fields match its tag.
func (b ContentBlock) Validate() error {
	switch b.Type {
	case BlockText:
		return nil
	case BlockToolUse:
		if b.ID == "" || b.Name == "" {
			return fmt.Errorf("tool_use block requires id and name")
		}
		return nil
	case BlockToolResult:
		if b.ToolUseID == "" {
			return fmt.Errorf("tool_result block requires tool_use_id")
		}
		return nil
	default:
		return fmt.Errorf("unknown block type %q", b.Type)
	}
}

// InputMap decodes a tool-use block's input into a generic map.
func (b ContentBlock) InputMap() (map[string]any, error) {
	if b.Type != BlockToolUse {
		return nil, fmt.Errorf("block is %q, not tool_use", b.Type)
	}
	out := map[string]any{}
	if len(b.Input) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b.Input, &out); err != nil {
		return nil, fmt.Errorf("decode tool input: %w", err)
	}
	return out, nil
}

// Message is one turn in a conversation: a role plus an ordered sequence of
// content blocks. Assistant turns may mix text and tool-use blocks; user
// turns are either plain text or a list of tool results.
type Message struct {
	Role   Role           `json:"role"`
	Blocks []ContentBlock `json:"content"`
}

// UserText builds a user message with a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Blocks: []ContentBlock{TextBlock(text)}}
}

// AssistantText builds an assistant message with a single text block.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Blocks: []ContentBlock{TextBlock(text)}}
}

// ToolResults builds a user message carrying tool-result blocks, preserving
// the given order.
func ToolResults(results ...ContentBlock) Message {
	return Message{Role: RoleUser, Blocks: results}
}

// Text concatenates all text blocks in the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool-use blocks in order.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// ToolResultBlocks returns the tool-result blocks in order.
func (m Message) ToolResultBlocks() []ContentBlock {
	var results []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == BlockToolResult {
			results = append(results, b)
		}
	}
	return results
}
