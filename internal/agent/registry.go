// Package agent implements the generic agent loop and the tool registry it
// dispatches through.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wardenlabs/warden/internal/observability"
	"github.com/wardenlabs/warden/pkg/models"
)

// DispatchFunc executes one tool call. The returned string is free-form;
// failures carry an "ERROR:" prefix by convention.
type DispatchFunc func(ctx context.Context, input map[string]any) string

type registeredTool struct {
	spec    models.ToolSpec
	handler DispatchFunc
	schema  *jsonschema.Schema
}

// Registry stores tool specs for schema advertisement and handlers for
// dispatch. Inputs are validated against the advertised schema before the
// handler runs.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registeredTool
	order   []string
	log     *slog.Logger
	metrics *observability.Metrics
}

// NewRegistry builds an empty registry. Logger must be non-nil; metrics may
// be nil.
func NewRegistry(log *slog.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		tools:   make(map[string]*registeredTool),
		log:     log,
		metrics: metrics,
	}
}

// Register adds a tool. The terminal names done and stuck are reserved for
// the loop and cannot be registered.
func (r *Registry) Register(spec models.ToolSpec, handler DispatchFunc) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name required")
	}
	if IsTerminal(spec.Name) {
		return fmt.Errorf("tool name %q is reserved", spec.Name)
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler required", spec.Name)
	}

	schemaSrc := string(spec.InputSchema)
	if schemaSrc == "" {
		schemaSrc = `{"type":"object"}`
	}
	schema, err := jsonschema.CompileString(spec.Name+".json", schemaSrc)
	if err != nil {
		return fmt.Errorf("tool %q: compile schema: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("tool %q already registered", spec.Name)
	}
	r.tools[spec.Name] = &registeredTool{spec: spec, handler: handler, schema: schema}
	r.order = append(r.order, spec.Name)
	return nil
}

// Clone returns a registry with the same tools. Per-deployment tools
// register on the clone without mutating the shared base.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry(r.log, r.metrics)
	for name, tool := range r.tools {
		out.tools[name] = tool
	}
	out.order = append(out.order, r.order...)
	return out
}

// Specs returns the registered tool specs in registration order.
func (r *Registry) Specs() []models.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].spec)
	}
	return out
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Dispatch runs the named tool. All failure modes come back as "ERROR:"
// strings so the model can see and react to them.
func (r *Registry) Dispatch(ctx context.Context, name string, input map[string]any) (result string) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("ERROR: unknown tool %q", name)
	}

	if err := tool.schema.Validate(normalizeForSchema(input)); err != nil {
		return fmt.Sprintf("ERROR: invalid input for %s: %v", name, err)
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tool panicked", "tool", name, "panic", rec)
			result = fmt.Sprintf("ERROR: tool %s panicked: %v", name, rec)
		}
		r.observe(name, result, start)
	}()

	return tool.handler(ctx, input)
}

func (r *Registry) observe(name, result string, start time.Time) {
	if r.metrics == nil {
		return
	}
	status := "ok"
	if len(result) >= 6 && result[:6] == "ERROR:" {
		status = "error"
	}
	r.metrics.ToolDispatches.WithLabelValues(name, status).Inc()
	r.metrics.ToolLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

// normalizeForSchema converts a decoded input map into the shapes the
// validator expects. Inputs already come from encoding/json, so this is a
// passthrough for the nil case.
func normalizeForSchema(input map[string]any) any {
	if input == nil {
		return map[string]any{}
	}
	return input
}
