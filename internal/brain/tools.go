package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/wardenlabs/warden/internal/agent"
	"github.com/wardenlabs/warden/pkg/models"
)

// brainTools builds the brain's own registry: explicit sub-agent
// deployment plus the user-profile memory tools. The rule classifier
// routes obvious tasks before the model sees them; these tools cover what
// it misses and what the user asks for mid-conversation.
func (b *Brain) brainTools() *agent.Registry {
	reg := agent.NewRegistry(b.deps.Log, nil)

	specs := []struct {
		name, description, schema string
		handler                   agent.DispatchFunc
	}{
		{
			name:        "deploy_agent",
			description: "Deploy a specialist agent (browser, coder, system, research, file) on a task and return its result.",
			schema: `{
				"type": "object",
				"properties": {
					"agent": {"type": "string"},
					"task": {"type": "string"}
				},
				"required": ["agent", "task"]
			}`,
			handler: b.deployTool,
		},
		{
			name:        "remember",
			description: "Save a fact about the user to long-term memory under a named field.",
			schema: `{
				"type": "object",
				"properties": {
					"field": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["field", "content"]
			}`,
			handler: b.rememberTool,
		},
		{
			name:        "recall",
			description: "Read everything saved about the user from long-term memory.",
			schema:      `{"type": "object", "properties": {}}`,
			handler:     b.recallTool,
		},
	}

	for _, s := range specs {
		spec := toolSpec(s.name, s.description, s.schema)
		if err := reg.Register(spec, s.handler); err != nil {
			b.deps.Log.Error("brain tool registration failed", "tool", s.name, "error", err)
		}
	}
	return reg
}

func (b *Brain) deployTool(ctx context.Context, input map[string]any) string {
	name, _ := input["agent"].(string)
	task, _ := input["task"].(string)
	if name == "" || task == "" {
		return "ERROR: deploy_agent requires agent and task"
	}

	result := b.deployWithEscalation(ctx, name, task)
	if !result.Success {
		if result.Content != "" {
			return result.Content
		}
		return fmt.Sprintf("ERROR: the %s agent got stuck: %s", name, result.StuckReason)
	}
	return result.Content
}

func (b *Brain) rememberTool(_ context.Context, input map[string]any) string {
	if b.deps.Memory == nil {
		return "ERROR: memory store not configured"
	}
	field, _ := input["field"].(string)
	content, _ := input["content"].(string)
	if err := b.deps.Memory.SaveProfile(field, content); err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	return fmt.Sprintf("remembered %s", field)
}

func (b *Brain) recallTool(context.Context, map[string]any) string {
	if b.deps.Memory == nil {
		return "ERROR: memory store not configured"
	}
	profile, err := b.deps.Memory.Profile()
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	if len(profile) == 0 {
		return "(nothing saved yet)"
	}

	fields := make([]string, 0, len(profile))
	for field := range profile {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var sb strings.Builder
	for _, field := range fields {
		fmt.Fprintf(&sb, "%s: %s\n", field, profile[field])
	}
	return strings.TrimRight(sb.String(), "\n")
}

// commsTools overlays the inter-agent channels on a sub-agent's registry:
// scratchpad_write shares findings sideways, handoff leaves context for
// the next deployment of another agent. The base registry is cloned so
// the writer attribution stays per-deployment.
func (b *Brain) commsTools(base *agent.Registry, agentName, task string) *agent.Registry {
	if b.deps.Scratchpad == nil && b.deps.Handoffs == nil {
		return base
	}
	reg := base.Clone()

	if b.deps.Scratchpad != nil {
		spec := toolSpec("scratchpad_write",
			"Share a finding with the other agents under a key. Use kind to group related entries.",
			`{
				"type": "object",
				"properties": {
					"key": {"type": "string"},
					"value": {"type": "string"},
					"kind": {"type": "string"}
				},
				"required": ["key", "value"]
			}`)
		err := reg.Register(spec, func(_ context.Context, input map[string]any) string {
			key, _ := input["key"].(string)
			value, _ := input["value"].(string)
			kind, _ := input["kind"].(string)
			if key == "" || value == "" {
				return "ERROR: scratchpad_write requires key and value"
			}
			if kind == "" {
				kind = "note"
			}
			b.deps.Scratchpad.Write(key, value, kind, agentName)
			return fmt.Sprintf("shared %s", key)
		})
		if err != nil {
			b.deps.Log.Error("comms tool registration failed", "tool", "scratchpad_write", "error", err)
		}
	}

	if b.deps.Handoffs != nil {
		spec := toolSpec("handoff",
			"Leave context for another agent (browser, coder, system, research, file); it is injected when that agent next deploys.",
			`{
				"type": "object",
				"properties": {
					"to": {"type": "string"},
					"context": {"type": "string"}
				},
				"required": ["to", "context"]
			}`)
		err := reg.Register(spec, func(_ context.Context, input map[string]any) string {
			to, _ := input["to"].(string)
			handoffCtx, _ := input["context"].(string)
			if to == "" || handoffCtx == "" {
				return "ERROR: handoff requires to and context"
			}
			b.deps.Handoffs.Leave(agentName, to, handoffCtx, task)
			return fmt.Sprintf("handoff left for %s", to)
		})
		if err != nil {
			b.deps.Log.Error("comms tool registration failed", "tool", "handoff", "error", err)
		}
	}

	return reg
}

func toolSpec(name, description, schema string) models.ToolSpec {
	return models.ToolSpec{
		Name:        name,
		Description: description,
		InputSchema: json.RawMessage(schema),
	}
}
