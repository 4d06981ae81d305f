package provider

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/wardenlabs/warden/internal/backoff"
	"github.com/wardenlabs/warden/internal/observability"
	"github.com/wardenlabs/warden/pkg/models"
)

// defaultMaxAttempts bounds the retry loop for transient and tool-use
// failures unless overridden via SetMaxAttempts.
const defaultMaxAttempts = 3

// Client wraps a raw provider with retry, rate-limit backoff, and recovery
// of malformed tool calls. It is the only model surface the rest of the
// runtime sees.
type Client struct {
	provider Provider
	log      *slog.Logger
	metrics  *observability.Metrics
	attempts int
}

// NewClient wraps the given provider. Logger must be non-nil; metrics may
// be nil.
func NewClient(p Provider, log *slog.Logger, metrics *observability.Metrics) *Client {
	return &Client{provider: p, log: log, metrics: metrics, attempts: defaultMaxAttempts}
}

// SetMaxAttempts overrides the retry budget. Values below 1 are ignored.
func (c *Client) SetMaxAttempts(n int) {
	if n >= 1 {
		c.attempts = n
	}
}

// Create runs one model call to completion and returns the assembled
// response. Transient failures retry with exponential backoff; rate limits
// use their own policy; tool_use_failed errors go through recovery first.
func (c *Client) Create(ctx context.Context, req *Request) (*models.ModelResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		start := time.Now()
		resp, err := c.collect(ctx, req)
		if err == nil {
			c.observe(req, "ok", start, resp.Usage)
			return resp, nil
		}

		perr := WrapError(c.provider.Name(), req.Model, err)
		c.observe(req, string(perr.Kind), start, models.Usage{})
		lastErr = perr

		switch perr.Kind {
		case FailToolUse:
			if recovered := RecoverToolCalls(perr.Body); recovered != nil {
				c.log.Debug("recovered malformed tool call",
					"provider", c.provider.Name(), "attempt", attempt)
				return recovered, nil
			}
			if err := backoff.Sleep(ctx, backoff.Provider(), attempt); err != nil {
				return nil, err
			}
		case FailRateLimit:
			c.log.Warn("rate limited", "provider", c.provider.Name(), "attempt", attempt)
			if err := backoff.Sleep(ctx, backoff.RateLimit(), attempt); err != nil {
				return nil, err
			}
		case FailTransient:
			c.log.Warn("transient model error",
				"provider", c.provider.Name(), "attempt", attempt, "error", perr.Error())
			if err := backoff.Sleep(ctx, backoff.Provider(), attempt); err != nil {
				return nil, err
			}
		default:
			return nil, perr
		}
	}
	return nil, errors.Join(backoff.ErrExhausted, lastErr)
}

// collect drains one provider stream into a response.
func (c *Client) collect(ctx context.Context, req *Request) (*models.ModelResponse, error) {
	chunks, err := c.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return assemble(chunks, nil)
}

// Stream starts one model call and exposes its text deltas incrementally.
// Creation errors retry like Create; once deltas flow, a mid-stream
// tool_use_failed still goes through recovery, but other errors terminate
// the stream.
func (c *Client) Stream(ctx context.Context, req *Request) (*Stream, error) {
	var chunks <-chan Chunk
	var lastErr error

	for attempt := 1; attempt <= c.attempts; attempt++ {
		ch, err := c.provider.Complete(ctx, req)
		if err == nil {
			chunks = ch
			break
		}
		perr := WrapError(c.provider.Name(), req.Model, err)
		lastErr = perr
		if !perr.Kind.Retryable() {
			return nil, perr
		}
		policy := backoff.Provider()
		if perr.Kind == FailRateLimit {
			policy = backoff.RateLimit()
		}
		if err := backoff.Sleep(ctx, policy, attempt); err != nil {
			return nil, err
		}
	}
	if chunks == nil {
		return nil, errors.Join(backoff.ErrExhausted, lastErr)
	}

	s := &Stream{
		deltas: make(chan string, 16),
		done:   make(chan struct{}),
	}
	start := time.Now()
	go func() {
		defer close(s.deltas)
		defer close(s.done)

		resp, err := assemble(chunks, s.deltas)
		if err != nil {
			perr := WrapError(c.provider.Name(), req.Model, err)
			if perr.Kind == FailToolUse {
				if recovered := RecoverToolCalls(perr.Body); recovered != nil {
					s.final = recovered
					c.observe(req, "ok", start, recovered.Usage)
					return
				}
			}
			s.err = perr
			c.observe(req, string(perr.Kind), start, models.Usage{})
			return
		}
		s.final = resp
		c.observe(req, "ok", start, resp.Usage)
	}()
	return s, nil
}

func (c *Client) observe(req *Request, status string, start time.Time, usage models.Usage) {
	if c.metrics == nil {
		return
	}
	name := c.provider.Name()
	c.metrics.ModelRequests.WithLabelValues(name, req.Model, status).Inc()
	c.metrics.ModelLatency.WithLabelValues(name, req.Model).Observe(time.Since(start).Seconds())
	if usage.InputTokens > 0 {
		c.metrics.ModelTokens.WithLabelValues(name, req.Model, "in").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		c.metrics.ModelTokens.WithLabelValues(name, req.Model, "out").Add(float64(usage.OutputTokens))
	}
}

// Stream is one in-flight model call. Deltas yields text increments;
// Final blocks until the stream ends and returns the assembled response.
type Stream struct {
	deltas chan string
	done   chan struct{}
	final  *models.ModelResponse
	err    error
}

// Deltas returns the text delta channel. It is closed when the stream ends.
func (s *Stream) Deltas() <-chan string { return s.deltas }

// Final blocks until end-of-stream. Callers should drain Deltas first or
// concurrently; deltas are buffered but a full buffer stalls assembly.
func (s *Stream) Final() (*models.ModelResponse, error) {
	<-s.done
	return s.final, s.err
}

// assemble drains a chunk channel into a response. When deltas is non-nil,
// text increments are forwarded there as they arrive. Consecutive text
// chunks coalesce into a single block; block order is preserved.
func assemble(chunks <-chan Chunk, deltas chan<- string) (*models.ModelResponse, error) {
	var content []models.ContentBlock
	var pending strings.Builder
	var usage models.Usage
	toolUsed := false

	flushText := func() {
		if pending.Len() > 0 {
			content = append(content, models.TextBlock(pending.String()))
			pending.Reset()
		}
	}

	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			return nil, chunk.Err
		case chunk.Text != "":
			pending.WriteString(chunk.Text)
			if deltas != nil {
				deltas <- chunk.Text
			}
		case chunk.ToolUse != nil:
			flushText()
			content = append(content, *chunk.ToolUse)
			toolUsed = true
		case chunk.Done:
			usage = models.Usage{InputTokens: chunk.InputTokens, OutputTokens: chunk.OutputTokens}
		}
	}
	flushText()

	stop := models.StopEndTurn
	if toolUsed {
		stop = models.StopToolUse
	}
	return &models.ModelResponse{Content: content, StopReason: stop, Usage: usage}, nil
}
