package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/wardenlabs/warden/pkg/models"
)

const defaultMaxTokens = 4096

// Anthropic adapts the native content-block API shape. Tool uses arrive as
// first-class blocks, so no recovery is ever needed here.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic builds the native adapter. baseURL is optional and overrides
// the API endpoint for self-hosted gateways.
func NewAnthropic(apiKey, defaultModel, baseURL string) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

func (p *Anthropic) Name() string { return "anthropic" }

// Complete starts one streaming call. All failures after stream start are
// delivered as Err chunks on the returned channel.
func (p *Anthropic) Complete(ctx context.Context, req *Request) (<-chan Chunk, error) {
	stream, err := p.createStream(ctx, req)
	if err != nil {
		return nil, WrapError(p.Name(), p.model(req), err)
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		p.processStream(stream, chunks, p.model(req))
	}()
	return chunks, nil
}

func (p *Anthropic) createStream(ctx context.Context, req *Request) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req)),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("convert tools: %w", err)
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

func (p *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk, model string) {
	var currentTool *models.ContentBlock
	var currentInput strings.Builder
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				tool := models.ContentBlock{Type: models.BlockToolUse, ID: use.ID, Name: use.Name}
				currentTool = &tool
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- Chunk{Text: delta.Text}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				if currentInput.Len() > 0 {
					currentTool.Input = json.RawMessage(currentInput.String())
				} else {
					currentTool.Input = json.RawMessage(`{}`)
				}
				chunks <- Chunk{ToolUse: currentTool}
				currentTool = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			chunks <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			chunks <- Chunk{Err: WrapError(p.Name(), model, errors.New("stream error event"))}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- Chunk{Err: WrapError(p.Name(), model, err)}
		return
	}
	// Stream ended without message_stop; treat as complete.
	chunks <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
}

func (p *Anthropic) model(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}

func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Blocks {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					content = append(content, anthropic.NewTextBlock(block.Text))
				}
			case models.BlockToolUse:
				input, err := block.InputMap()
				if err != nil {
					return nil, fmt.Errorf("tool use %s: %w", block.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(block.ID, input, block.Name))
			case models.BlockToolResult:
				isError := strings.HasPrefix(block.Content, "ERROR:")
				content = append(content, anthropic.NewToolResultBlock(block.ToolUseID, block.Content, isError))
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertAnthropicTools(tools []models.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		out = append(out, param)
	}
	return out, nil
}
