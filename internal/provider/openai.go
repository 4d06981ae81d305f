package provider

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wardenlabs/warden/pkg/models"
)

// OpenAI adapts the function-calling chat shape. Tool calls stream as
// indexed argument fragments that are reassembled before emission.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAI builds the function-calling adapter. baseURL is optional and
// points the client at OpenAI-compatible backends.
func NewOpenAI(apiKey, defaultModel, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: defaultModel,
	}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Complete(ctx context.Context, req *Request) (<-chan Chunk, error) {
	model := p.model(req)
	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  convertChatMessages(req.Messages, req.System),
		MaxTokens: maxTokensOrDefault(req.MaxTokens),
		Stream:    true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertChatTools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, WrapError(p.Name(), model, err)
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// callAssembler reassembles streamed tool calls. Fragments for parallel
// calls are keyed by the provider's index field and may interleave; flush
// emits completed calls in index order.
type callAssembler struct {
	calls map[int]*pendingCall
}

func newCallAssembler() *callAssembler {
	return &callAssembler{calls: make(map[int]*pendingCall)}
}

func (a *callAssembler) add(index int, id, name, args string) {
	call := a.calls[index]
	if call == nil {
		call = &pendingCall{}
		a.calls[index] = call
	}
	if id != "" {
		call.id = id
	}
	if name != "" {
		call.name = name
	}
	if args != "" {
		call.args.WriteString(args)
	}
}

func (a *callAssembler) flush() []models.ContentBlock {
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var uses []models.ContentBlock
	for _, i := range indexes {
		call := a.calls[i]
		if call.id == "" || call.name == "" {
			continue
		}
		uses = append(uses, models.ToolUseBlock(call.id, call.name, json.RawMessage(call.args.String())))
	}
	a.calls = make(map[int]*pendingCall)
	return uses
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- Chunk, model string) {
	defer stream.Close()

	assembler := newCallAssembler()
	var inputTokens, outputTokens int

	flushCalls := func() {
		for _, use := range assembler.flush() {
			use := use
			chunks <- Chunk{ToolUse: &use}
		}
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- Chunk{Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				flushCalls()
				chunks <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
				return
			}
			chunks <- Chunk{Err: WrapError(p.Name(), model, err)}
			return
		}

		if resp.Usage != nil {
			inputTokens = resp.Usage.PromptTokens
			outputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- Chunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			assembler.add(index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushCalls()
		}
	}
}

func (p *OpenAI) model(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func convertChatMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == models.RoleAssistant {
			chatMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			for _, use := range msg.ToolUses() {
				chatMsg.ToolCalls = append(chatMsg.ToolCalls, openai.ToolCall{
					ID:   use.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      use.Name,
						Arguments: string(use.Input),
					},
				})
			}
			out = append(out, chatMsg)
			continue
		}

		results := msg.ToolResultBlocks()
		if len(results) > 0 {
			// Function-calling providers want one role=tool message per result.
			for _, result := range results {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    result.Content,
					ToolCallID: result.ToolUseID,
				})
			}
			continue
		}

		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: msg.Text(),
		})
	}
	return out
}

func convertChatTools(tools []models.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  ensureProperties(tool.InputSchema),
			},
		}
	}
	return out
}

// ensureProperties guarantees the schema has a properties member; some
// function-calling backends reject schemas without one.
func ensureProperties(schema json.RawMessage) json.RawMessage {
	var parsed map[string]any
	if len(schema) == 0 || json.Unmarshal(schema, &parsed) != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	if _, ok := parsed["properties"]; ok {
		return schema
	}
	parsed["properties"] = map[string]any{}
	fixed, err := json.Marshal(parsed)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return fixed
}
