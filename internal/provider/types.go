// Package provider normalizes the two model API shapes the runtime speaks
// (native content-block streaming and function-calling chat) into one
// create/stream surface, with retry, rate-limit backoff, and recovery of
// malformed tool calls.
package provider

import (
	"context"

	"github.com/wardenlabs/warden/pkg/models"
)

// Request is a provider-agnostic model call.
type Request struct {
	Model     string
	MaxTokens int
	System    string
	Tools     []models.ToolSpec
	Messages  []models.Message
}

// Chunk is one unit of a provider stream. Exactly one of Text, ToolUse,
// Done or Err is meaningful per chunk; token counts ride on the Done chunk.
type Chunk struct {
	Text         string
	ToolUse      *models.ContentBlock
	Done         bool
	InputTokens  int
	OutputTokens int
	Err          error
}

// Provider is a raw adapter for one API shape. Complete always streams:
// the returned channel carries text deltas and finalized tool uses, then a
// Done chunk (or an Err chunk) and is closed.
type Provider interface {
	// Name identifies the adapter for logging and metrics.
	Name() string

	// Complete starts one model call. A non-nil error means the call could
	// not be started; errors after that arrive as Err chunks.
	Complete(ctx context.Context, req *Request) (<-chan Chunk, error)
}
