// Package brain is the orchestrator: it classifies inbound messages,
// answers chat directly over a streaming model call, deploys sub-agents
// for real tasks, and applies escalation when they get stuck.
package brain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wardenlabs/warden/internal/agent"
	"github.com/wardenlabs/warden/internal/bus"
	"github.com/wardenlabs/warden/internal/classify"
	"github.com/wardenlabs/warden/internal/comms"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/escalate"
	"github.com/wardenlabs/warden/internal/killswitch"
	"github.com/wardenlabs/warden/internal/memory"
	"github.com/wardenlabs/warden/internal/provider"
	"github.com/wardenlabs/warden/pkg/models"
)

// Streamer is one in-flight streaming model call.
type Streamer interface {
	Deltas() <-chan string
	Final() (*models.ModelResponse, error)
}

// ModelClient is the slice of the model surface the brain uses.
type ModelClient interface {
	Create(ctx context.Context, req *provider.Request) (*models.ModelResponse, error)
	Stream(ctx context.Context, req *provider.Request) (Streamer, error)
}

// ProviderModel adapts provider.Client to ModelClient.
type ProviderModel struct {
	Inner *provider.Client
}

func (m ProviderModel) Create(ctx context.Context, req *provider.Request) (*models.ModelResponse, error) {
	return m.Inner.Create(ctx, req)
}

func (m ProviderModel) Stream(ctx context.Context, req *provider.Request) (Streamer, error) {
	return m.Inner.Stream(ctx, req)
}

// Planner produces a model-backed routing plan for ambiguous tasks.
type Planner interface {
	Plan(ctx context.Context, task string) (*classify.Plan, error)
}

// Deps wires the brain's collaborators. Registries maps agent category to
// its tool registry; a missing category falls back to the "default" entry.
type Deps struct {
	Client     ModelClient
	Planner    Planner
	Config     *config.Config
	Events     *bus.Bus
	Kill       *killswitch.Switch
	Memory     *memory.Store
	Escalation *escalate.Manager
	Scratchpad *comms.Scratchpad
	Handoffs   *comms.HandoffRegistry
	Registries map[string]*agent.Registry
	Log        *slog.Logger
}

// Brain owns the conversation history and the task lock. One top-level
// task runs at a time; queued tasks acquire the lock in turn.
type Brain struct {
	deps Deps

	taskMu  sync.Mutex
	history []models.Message
}

// New validates and builds the brain.
func New(deps Deps) (*Brain, error) {
	switch {
	case deps.Client == nil:
		return nil, fmt.Errorf("brain: model client required")
	case deps.Config == nil:
		return nil, fmt.Errorf("brain: config required")
	case deps.Events == nil:
		return nil, fmt.Errorf("brain: event bus required")
	case deps.Kill == nil:
		return nil, fmt.Errorf("brain: kill switch required")
	case deps.Log == nil:
		return nil, fmt.Errorf("brain: logger required")
	}
	return &Brain{deps: deps}, nil
}

const chatSystem = `You are Warden, a capable personal assistant. Answer directly and briefly.
When the user asks for real work, use deploy_agent rather than describing what you would do.
Use remember when the user shares a durable fact about themselves, and recall when past context would help.
Never claim to have performed an action you did not perform.`

func agentSystem(name string) string {
	return fmt.Sprintf(`You are the %s agent. Work the task with your tools, one deliberate action at a time.
Verify results before moving on. When the task is complete call done with a summary; if you cannot proceed call stuck with the exact blocker.`, name)
}

// HandleMessage processes one inbound user message to completion and
// returns the reply text. Kill-word messages trip the kill switch instead
// of running.
func (b *Brain) HandleMessage(ctx context.Context, text string) (string, error) {
	if b.matchKillWord(text) {
		b.deps.Kill.Trip("kill word received")
		b.deps.Events.Emit(models.EventKillSwitch, map[string]any{"source": "message"})
		return "Kill switch engaged. All agents will stop; reset from the dashboard to resume.", nil
	}
	if b.deps.Kill.Tripped() {
		return "Kill switch is engaged; reset it before sending new tasks.", nil
	}

	b.deps.Events.Emit(models.EventTaskReceived, map[string]any{"task": text})

	b.taskMu.Lock()
	defer b.taskMu.Unlock()

	decision := classify.Classify(text)
	var plan *classify.Plan
	if decision.NeedsModel && b.deps.Planner != nil {
		if p, err := b.deps.Planner.Plan(ctx, text); err == nil {
			plan = p
			decision.Category = p.Category
			decision.Agents = p.Agents
		} else {
			b.deps.Log.Warn("planner failed, using rule classification", "error", err)
		}
	}

	if decision.Category == classify.CategoryChat {
		return b.respondChat(ctx, text)
	}
	return b.runTask(ctx, text, decision, plan)
}

// SubmitTask runs HandleMessage asynchronously, emitting the reply (or
// error) on the bus for whichever surface submitted it.
func (b *Brain) SubmitTask(text string) {
	go func() {
		reply, err := b.HandleMessage(context.Background(), text)
		if err != nil {
			b.deps.Events.Emit(models.EventError, map[string]any{"task": text, "error": err.Error()})
			return
		}
		b.deps.Events.Emit(models.EventEndTurn, map[string]any{"reply": reply})
	}()
}

// Stats exposes per-agent memory tallies for the dashboard.
func (b *Brain) Stats() (map[string]memory.Stats, error) {
	if b.deps.Memory == nil {
		return nil, fmt.Errorf("memory store not configured")
	}
	return b.deps.Memory.AllStats()
}

func (b *Brain) matchKillWord(text string) bool {
	lower := strings.ToLower(text)
	for _, word := range b.deps.Config.KillWords {
		if word != "" && strings.Contains(lower, strings.ToLower(word)) {
			return true
		}
	}
	return false
}

// maxChatTurns bounds tool-use rounds within one conversational reply.
const maxChatTurns = 8

// respondChat streams a direct answer, forwarding deltas to the bus as
// thinking events. The brain's own tools (deploy_agent, remember, recall)
// are available, so a chat-classified message can still end in real work.
func (b *Brain) respondChat(ctx context.Context, text string) (string, error) {
	b.appendHistory(models.UserText(text))

	registry := b.brainTools()
	tools := registry.Specs()

	for turn := 1; turn <= maxChatTurns; turn++ {
		b.deps.Events.Emit(models.EventThinkingStart, nil)
		start := time.Now()

		stream, err := b.deps.Client.Stream(ctx, &provider.Request{
			Model:    b.deps.Config.HeavyModel,
			System:   chatSystem,
			Tools:    tools,
			Messages: b.historySnapshot(),
		})
		if err != nil {
			b.deps.Events.Emit(models.EventError, map[string]any{"error": err.Error()})
			return "", fmt.Errorf("chat stream: %w", err)
		}

		for delta := range stream.Deltas() {
			b.deps.Events.Emit(models.EventThinking, map[string]any{"text": delta})
		}
		final, err := stream.Final()
		if err != nil {
			b.deps.Events.Emit(models.EventError, map[string]any{"error": err.Error()})
			return "", fmt.Errorf("chat stream: %w", err)
		}

		b.deps.Events.Emit(models.EventAPICall, map[string]any{
			"input_tokens":  final.Usage.InputTokens,
			"output_tokens": final.Usage.OutputTokens,
			"duration_ms":   time.Since(start).Milliseconds(),
		})

		uses := final.ToolUses()
		if len(uses) == 0 {
			b.deps.Events.Emit(models.EventEndTurn, nil)
			reply := final.Text()
			b.appendHistory(models.AssistantText(reply))
			return reply, nil
		}

		var results []models.ContentBlock
		for _, use := range uses {
			b.deps.Events.Emit(models.EventToolCalled, map[string]any{"agent": "brain", "tool": use.Name})
			input, err := use.InputMap()
			var result string
			if err != nil {
				result = fmt.Sprintf("ERROR: unreadable input: %v", err)
			} else {
				result = registry.Dispatch(ctx, use.Name, input)
			}
			b.deps.Events.Emit(models.EventToolResult, map[string]any{
				"agent": "brain", "tool": use.Name,
				"is_error": strings.HasPrefix(result, "ERROR:"),
			})
			results = append(results, models.ToolResultBlock(use.ID, result))
		}

		b.appendHistory(models.Message{Role: models.RoleAssistant, Blocks: final.Content})
		b.appendHistory(models.ToolResults(results...))
	}

	b.deps.Events.Emit(models.EventEndTurn, nil)
	return "I could not finish that within the turn budget; please rephrase or split the request.", nil
}

// runTask deploys sub-agents per the classification (or the planner's DAG)
// and composes their results.
func (b *Brain) runTask(ctx context.Context, task string, decision classify.Classification, plan *classify.Plan) (string, error) {
	b.appendHistory(models.UserText(task))

	waves, subTasks := b.schedule(task, decision, plan)

	var sections []string
	for _, wave := range waves {
		results := make([]*models.AgentResult, len(wave))
		var wg sync.WaitGroup
		for slot, idx := range wave {
			wg.Add(1)
			go func(slot, idx int) {
				defer wg.Done()
				st := subTasks[idx]
				results[slot] = b.deployWithEscalation(ctx, st.Agent, st.Task)
			}(slot, idx)
		}
		wg.Wait()

		for slot, result := range results {
			st := subTasks[wave[slot]]
			if !result.Success {
				// One failed wave aborts the remaining waves; dependents
				// would be working from missing output.
				reply := result.Content
				if reply == "" {
					reply = fmt.Sprintf("The %s agent could not finish: %s", st.Agent, result.StuckReason)
				}
				b.appendHistory(models.AssistantText(reply))
				return reply, nil
			}
			sections = append(sections, result.Content)
		}
	}

	if b.deps.Escalation != nil {
		// Planner sub-tasks carry their own task strings, so each gets
		// its own clear alongside the top-level one.
		b.deps.Escalation.Clear(task)
		for _, st := range subTasks {
			b.deps.Escalation.Clear(st.Task)
		}
	}
	reply := strings.Join(sections, "\n\n")
	if reply == "" {
		reply = "Done."
	}
	b.appendHistory(models.AssistantText(reply))
	return reply, nil
}

// schedule turns the classification into dependency-ordered sub-task
// waves.
func (b *Brain) schedule(task string, decision classify.Classification, plan *classify.Plan) ([][]int, []classify.SubTask) {
	if plan != nil && len(plan.SubTasks) > 0 {
		if waves, err := plan.Batches(); err == nil {
			return waves, plan.SubTasks
		}
		b.deps.Log.Warn("plan DAG unusable, flattening")
	}

	agents := decision.Agents
	if len(agents) == 0 {
		agents = []string{string(decision.Category)}
	}

	subTasks := make([]classify.SubTask, len(agents))
	wave := make([]int, len(agents))
	for i, name := range agents {
		subTasks[i] = classify.SubTask{Agent: name, Task: task}
		wave[i] = i
	}
	return [][]int{wave}, subTasks
}

// maxDeployments bounds redeployments for one sub-task; the strategy table
// reaches ask-user well before this.
const maxDeployments = 6

// deployWithEscalation runs a sub-agent and walks the escalation table on
// every stuck until success, ask-user, or cancellation.
func (b *Brain) deployWithEscalation(ctx context.Context, agentName, task string) *models.AgentResult {
	current := agentName
	guidance := ""

	for attempt := 1; attempt <= maxDeployments; attempt++ {
		result := b.runAgent(ctx, current, task, guidance)

		if result.Success {
			b.recordOutcome(current, task, result)
			return result
		}
		if result.StuckReason == "cancelled" {
			return result
		}
		b.recordOutcome(current, task, result)

		if b.deps.Escalation == nil {
			return result
		}
		decision := b.deps.Escalation.Escalate(current, task, result.StuckReason, attempt)
		switch decision.Strategy {
		case models.StrategyReroute:
			current = decision.Agent
			guidance = decision.Guidance
		case models.StrategyAskUser:
			result.Content = decision.UserMessage
			return result
		default: // retry, decompose
			guidance = decision.Guidance
		}
	}

	return &models.AgentResult{
		Success:     false,
		Stuck:       true,
		StuckReason: "escalation budget exhausted",
	}
}

// runAgent builds and runs one sub-agent loop with memory, scratchpad and
// handoff context injected.
func (b *Brain) runAgent(ctx context.Context, name, task, guidance string) *models.AgentResult {
	registry := b.commsTools(b.registryFor(name), name, task)

	var parts []string
	if guidance != "" {
		parts = append(parts, guidance)
	}
	if b.deps.Memory != nil {
		if mem := b.deps.Memory.Context(name); mem != "" {
			parts = append(parts, mem)
		}
	}
	if b.deps.Handoffs != nil {
		if h, ok := b.deps.Handoffs.Pop(name); ok {
			parts = append(parts, fmt.Sprintf("Handoff from %s: %s", h.From, h.Context))
		}
	}
	if b.deps.Scratchpad != nil {
		if pad := b.deps.Scratchpad.Summary(); pad != "" {
			parts = append(parts, pad)
		}
	}

	opts := agent.DefaultOptions(name)
	opts.Model = b.deps.Config.HeavyModel
	opts.System = agentSystem(name)
	opts.Context = strings.Join(parts, "\n\n")
	opts.MaxSteps = b.deps.Config.MaxSteps
	opts.ResultLimit = b.deps.Config.Tools.ResultLimit

	loop := agent.NewLoop(b.deps.Client, registry, b.deps.Events, b.deps.Kill, b.deps.Log, opts)
	return loop.Run(ctx, task)
}

func (b *Brain) registryFor(name string) *agent.Registry {
	if reg, ok := b.deps.Registries[name]; ok {
		return reg
	}
	if reg, ok := b.deps.Registries["default"]; ok {
		return reg
	}
	// Empty registry still exposes the done/stuck terminals.
	return agent.NewRegistry(b.deps.Log, nil)
}

func (b *Brain) recordOutcome(agentName, task string, result *models.AgentResult) {
	if b.deps.Memory == nil {
		return
	}
	var err error
	if result.Success {
		err = b.deps.Memory.RecordSuccess(agentName, task, result.Content, result.Steps)
	} else {
		err = b.deps.Memory.RecordFailure(agentName, task, result.StuckReason, result.Steps)
	}
	if err != nil {
		b.deps.Log.Warn("memory record failed", "agent", agentName, "error", err)
	}
}

// appendHistory adds a turn and trims to the configured suffix. The
// window never opens on a tool-result turn: its paired assistant tool-use
// turn would fall outside it, and both provider shapes reject a result
// that references a tool call missing from the request.
func (b *Brain) appendHistory(msg models.Message) {
	b.history = append(b.history, msg)
	limit := b.deps.Config.HistoryLimit
	if limit <= 0 || len(b.history) <= limit {
		return
	}
	start := len(b.history) - limit
	for start < len(b.history) && len(b.history[start].ToolResultBlocks()) > 0 {
		start++
	}
	b.history = b.history[start:]
}

func (b *Brain) historySnapshot() []models.Message {
	out := make([]models.Message, len(b.history))
	copy(out, b.history)
	return out
}
