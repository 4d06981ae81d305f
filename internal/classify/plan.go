package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/wardenlabs/warden/internal/provider"
	"github.com/wardenlabs/warden/pkg/models"
)

// SubTask is one unit of a decomposed task.
type SubTask struct {
	Agent string `json:"agent"`
	Task  string `json:"task"`
}

// Plan is the model-produced decomposition of an ambiguous task.
// Dependencies maps a sub-task index to the indexes it waits on; together
// they form a DAG the orchestrator schedules against.
type Plan struct {
	Category     Category      `json:"category"`
	Agents       []string      `json:"agents"`
	SubTasks     []SubTask     `json:"sub_tasks"`
	Dependencies map[int][]int `json:"-"`
}

// wirePlan matches the model's JSON output, where dependency keys are
// strings.
type wirePlan struct {
	Category     Category         `json:"category"`
	Agents       []string         `json:"agents"`
	SubTasks     []SubTask        `json:"sub_tasks"`
	Dependencies map[string][]int `json:"dependencies"`
}

// ModelCaller is the slice of the model client the planner needs.
type ModelCaller interface {
	Create(ctx context.Context, req *provider.Request) (*models.ModelResponse, error)
}

// Planner queries the model for a routing plan when rule scoring is not
// confident.
type Planner struct {
	client ModelCaller
	model  string
	log    *slog.Logger
}

// NewPlanner builds the model fallback.
func NewPlanner(client ModelCaller, model string, log *slog.Logger) *Planner {
	return &Planner{client: client, model: model, log: log}
}

const plannerSystem = `You are a task router. Given a task, respond with ONLY a JSON object, no prose:
{"category": "browser|coder|system|research|file|multi|chat",
 "agents": ["..."],
 "sub_tasks": [{"agent": "...", "task": "..."}],
 "dependencies": {"1": [0]}}
sub_tasks may be empty for single-agent tasks. dependencies maps a sub_task index to the indexes it must wait for.`

// Plan asks the model to route and decompose the task. Markdown-fenced JSON
// is tolerated; a cyclic dependency graph is an error.
func (p *Planner) Plan(ctx context.Context, task string) (*Plan, error) {
	resp, err := p.client.Create(ctx, &provider.Request{
		Model:     p.model,
		MaxTokens: 1024,
		System:    plannerSystem,
		Messages:  []models.Message{models.UserText(task)},
	})
	if err != nil {
		return nil, fmt.Errorf("plan task: %w", err)
	}

	plan, err := ParsePlan(resp.Text())
	if err != nil {
		p.log.Warn("unusable plan from model", "error", err)
		return nil, err
	}
	return plan, nil
}

// ParsePlan decodes the model's JSON output into a validated Plan.
func ParsePlan(raw string) (*Plan, error) {
	cleaned := StripFence(raw)

	var wire wirePlan
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if wire.Category == "" {
		return nil, fmt.Errorf("plan missing category")
	}

	plan := &Plan{
		Category: wire.Category,
		Agents:   wire.Agents,
		SubTasks: wire.SubTasks,
	}
	if len(wire.Dependencies) > 0 {
		plan.Dependencies = make(map[int][]int, len(wire.Dependencies))
		for key, deps := range wire.Dependencies {
			idx, err := strconv.Atoi(key)
			if err != nil {
				return nil, fmt.Errorf("dependency key %q: %w", key, err)
			}
			plan.Dependencies[idx] = deps
		}
	}

	for idx, deps := range plan.Dependencies {
		if idx < 0 || idx >= len(plan.SubTasks) {
			return nil, fmt.Errorf("dependency for unknown sub-task %d", idx)
		}
		for _, dep := range deps {
			if dep < 0 || dep >= len(plan.SubTasks) {
				return nil, fmt.Errorf("sub-task %d depends on unknown sub-task %d", idx, dep)
			}
		}
	}
	if _, err := plan.Batches(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Batches returns sub-task indexes grouped into waves: every index in a
// wave has all dependencies satisfied by earlier waves, so a wave can run
// in parallel. Returns an error when the dependency graph has a cycle.
func (p *Plan) Batches() ([][]int, error) {
	n := len(p.SubTasks)
	if n == 0 {
		return nil, nil
	}

	done := make([]bool, n)
	remaining := n
	var waves [][]int

	for remaining > 0 {
		var wave []int
		for i := 0; i < n; i++ {
			if done[i] {
				continue
			}
			ready := true
			for _, dep := range p.Dependencies[i] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, i)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("dependency cycle among sub-tasks")
		}
		for _, i := range wave {
			done[i] = true
		}
		remaining -= len(wave)
		waves = append(waves, wave)
	}
	return waves, nil
}

// StripFence removes a surrounding Markdown code fence, with or without a
// language tag.
func StripFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		first := strings.TrimSpace(trimmed[:nl])
		// Drop a language tag like "json" on the opening fence.
		if first == "" || !strings.ContainsAny(first, "{}") {
			trimmed = trimmed[nl+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
