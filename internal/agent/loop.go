package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wardenlabs/warden/internal/bus"
	"github.com/wardenlabs/warden/internal/killswitch"
	"github.com/wardenlabs/warden/internal/provider"
	"github.com/wardenlabs/warden/pkg/models"
)

// ModelCaller is the slice of the model client the loop needs.
type ModelCaller interface {
	Create(ctx context.Context, req *provider.Request) (*models.ModelResponse, error)
}

// Hooks are optional callbacks around the loop's lifecycle.
type Hooks struct {
	OnStart func()
	OnStep  func(step int, resp *models.ModelResponse)
	OnDone  func(result *models.AgentResult)
	OnStuck func(result *models.AgentResult)
}

// Options parameterize one agent loop.
type Options struct {
	// Name labels events and logs for this agent.
	Name string

	// Model and MaxTokens pass through to the model client.
	Model     string
	MaxTokens int

	// System is the agent's system prompt.
	System string

	// Context is optional orchestrator-supplied context appended to the
	// task in the seed message.
	Context string

	// MaxSteps caps loop iterations.
	MaxSteps int

	// MinActions rejects done before this many dispatches. Zero disables
	// the guard.
	MinActions int

	// MaxToolUsesPerTurn rejects tool uses beyond this count within one
	// model turn. Zero means unlimited.
	MaxToolUsesPerTurn int

	// UpdateEvery emits a progress event every N steps.
	UpdateEvery int

	// ResultLimit truncates tool results to this many bytes.
	ResultLimit int

	Hooks Hooks
}

// DefaultOptions returns the loop defaults for an agent name.
func DefaultOptions(name string) Options {
	return Options{
		Name:        name,
		MaxSteps:    30,
		MinActions:  4,
		UpdateEvery: 5,
		ResultLimit: 8 * 1024,
	}
}

func (o *Options) sanitize() {
	if o.Name == "" {
		o.Name = "agent"
	}
	if o.MaxSteps < 1 {
		o.MaxSteps = 30
	}
	if o.UpdateEvery < 1 {
		o.UpdateEvery = 5
	}
	if o.ResultLimit < 1 {
		o.ResultLimit = 8 * 1024
	}
}

// Loop drives one agent: model turn, tool dispatches, terminal detection.
// The model signals completion through the done and stuck terminals; the
// loop guards those against fabricated success.
type Loop struct {
	client   ModelCaller
	registry *Registry
	events   *bus.Bus
	kill     *killswitch.Switch
	log      *slog.Logger
	opts     Options
}

// NewLoop builds a loop. events and kill may be nil.
func NewLoop(client ModelCaller, registry *Registry, events *bus.Bus, kill *killswitch.Switch, log *slog.Logger, opts Options) *Loop {
	opts.sanitize()
	return &Loop{
		client:   client,
		registry: registry,
		events:   events,
		kill:     kill,
		log:      log.With("agent", opts.Name),
		opts:     opts,
	}
}

const nudgeMessage = "Use a tool. If the task is complete, call done; if you cannot proceed, call stuck."

// Run executes the loop for one task and always returns a result: done,
// stuck, or cancelled. It never panics across tool dispatches.
func (l *Loop) Run(ctx context.Context, task string) *models.AgentResult {
	l.emit(models.EventAgentStarted, map[string]any{"agent": l.opts.Name, "task": task})
	if l.opts.Hooks.OnStart != nil {
		l.opts.Hooks.OnStart()
	}

	seed := task
	if l.opts.Context != "" {
		seed = task + "\n\nContext:\n" + l.opts.Context
	}
	messages := []models.Message{models.UserText(seed)}

	tools := append(l.registry.Specs(), DoneSpec(), StuckSpec())

	dispatches := 0
	errored := 0

	for step := 1; step <= l.opts.MaxSteps; step++ {
		if cancelled := l.checkCancelled(ctx, step); cancelled != nil {
			return cancelled
		}

		resp, err := l.client.Create(ctx, &provider.Request{
			Model:     l.opts.Model,
			MaxTokens: l.opts.MaxTokens,
			System:    l.opts.System,
			Tools:     tools,
			Messages:  messages,
		})
		if err != nil {
			l.log.Error("model call failed", "step", step, "error", err)
			return l.finishStuck(step, fmt.Sprintf("model error: %v", err))
		}
		l.emit(models.EventAPICall, map[string]any{
			"agent": l.opts.Name, "step": step,
			"input_tokens": resp.Usage.InputTokens, "output_tokens": resp.Usage.OutputTokens,
		})
		if l.opts.Hooks.OnStep != nil {
			l.opts.Hooks.OnStep(step, resp)
		}

		var results []models.ContentBlock
		turnUses := 0
		lastTool := ""

		for _, block := range resp.Content {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					l.log.Debug("assistant text", "step", step, "text", block.Text)
				}

			case models.BlockToolUse:
				switch block.Name {
				case ToolDone:
					if reject := l.rejectDone(dispatches, errored); reject != "" {
						results = append(results, models.ToolResultBlock(block.ID, reject))
						continue
					}
					input, _ := block.InputMap()
					summary, _ := input["summary"].(string)
					return l.finishDone(step, summary)

				case ToolStuck:
					input, _ := block.InputMap()
					reason, _ := input["reason"].(string)
					if reason == "" {
						reason = "no reason given"
					}
					return l.finishStuck(step, reason)

				default:
					turnUses++
					if l.opts.MaxToolUsesPerTurn > 0 && turnUses > l.opts.MaxToolUsesPerTurn {
						results = append(results, models.ToolResultBlock(block.ID,
							fmt.Sprintf("ERROR: at most %d tool call(s) per turn; re-issue this call next turn", l.opts.MaxToolUsesPerTurn)))
						continue
					}

					input, err := block.InputMap()
					var result string
					if err != nil {
						result = fmt.Sprintf("ERROR: unreadable input: %v", err)
					} else {
						l.emit(models.EventToolCalled, map[string]any{
							"agent": l.opts.Name, "tool": block.Name, "step": step,
						})
						result = l.registry.Dispatch(ctx, block.Name, input)
					}

					result = truncate(result, l.opts.ResultLimit)
					dispatches++
					if isErrorResult(result) {
						errored++
					}
					lastTool = block.Name
					l.emit(models.EventToolResult, map[string]any{
						"agent": l.opts.Name, "tool": block.Name, "step": step,
						"is_error": isErrorResult(result),
					})
					results = append(results, models.ToolResultBlock(block.ID, result))
				}
			}
		}

		assistant := models.Message{Role: models.RoleAssistant, Blocks: resp.Content}
		if len(results) == 0 && resp.StopReason == models.StopEndTurn {
			// Text-only turn that tried to stop: nudge it back on task.
			messages = append(messages, assistant, models.UserText(nudgeMessage))
			continue
		}

		messages = append(messages, assistant, models.ToolResults(results...))

		if step%l.opts.UpdateEvery == 0 {
			l.emit(models.EventAgentProgress, map[string]any{
				"agent": l.opts.Name, "step": step, "last_tool": lastTool,
			})
		}
	}

	return l.finishStuck(l.opts.MaxSteps, "max steps")
}

// rejectDone applies the fabricated-success guards. Empty string means the
// done call is accepted.
func (l *Loop) rejectDone(dispatches, errored int) string {
	if dispatches >= 3 && errored*2 > dispatches {
		return fmt.Sprintf("ERROR: done rejected: %d of %d tool calls failed; fix the failures or call stuck", errored, dispatches)
	}
	if l.opts.MinActions > 0 && dispatches < l.opts.MinActions {
		return fmt.Sprintf("ERROR: done rejected: only %d action(s) taken, at least %d required before claiming completion", dispatches, l.opts.MinActions)
	}
	return ""
}

func (l *Loop) checkCancelled(ctx context.Context, step int) *models.AgentResult {
	reason := ""
	switch {
	case ctx.Err() != nil:
		reason = "cancelled"
	case l.kill != nil && l.kill.Tripped():
		reason = "cancelled"
	default:
		return nil
	}

	result := &models.AgentResult{Success: false, Stuck: true, StuckReason: reason, Steps: step - 1}
	l.emit(models.EventAgentCancelled, map[string]any{"agent": l.opts.Name, "steps": result.Steps})
	l.log.Warn("agent cancelled", "steps", result.Steps)
	if l.opts.Hooks.OnStuck != nil {
		l.opts.Hooks.OnStuck(result)
	}
	return result
}

func (l *Loop) finishDone(step int, summary string) *models.AgentResult {
	result := &models.AgentResult{Success: true, Content: summary, Steps: step}
	l.emit(models.EventAgentDone, map[string]any{
		"agent": l.opts.Name, "steps": step, "summary": summary,
	})
	l.log.Info("agent done", "steps", step)
	if l.opts.Hooks.OnDone != nil {
		l.opts.Hooks.OnDone(result)
	}
	return result
}

func (l *Loop) finishStuck(step int, reason string) *models.AgentResult {
	result := &models.AgentResult{Success: false, Stuck: true, StuckReason: reason, Steps: step}
	l.emit(models.EventAgentStuck, map[string]any{
		"agent": l.opts.Name, "steps": step, "reason": reason,
	})
	l.log.Warn("agent stuck", "steps", step, "reason", reason)
	if l.opts.Hooks.OnStuck != nil {
		l.opts.Hooks.OnStuck(result)
	}
	return result
}

func (l *Loop) emit(eventType string, data map[string]any) {
	if l.events != nil {
		l.events.Emit(eventType, data)
	}
}

func isErrorResult(s string) bool {
	return len(s) >= 6 && s[:6] == "ERROR:"
}

// truncate bounds a tool result, marking the cut so the model knows content
// is missing.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[truncated]"
}
