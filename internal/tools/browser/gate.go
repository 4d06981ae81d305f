// Package browser serializes access to the external browser driver. The
// driver is a single shared session, so at most one agent may drive it at
// a time.
package browser

import (
	"context"
	"sync"

	"github.com/wardenlabs/warden/internal/agent"
)

// Gate is the process-wide browser mutex. It is held only for the span of
// one tool dispatch; holding it across a model call is forbidden.
type Gate struct {
	mu sync.Mutex
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{}
}

// Wrap serializes a dispatch handler behind the gate.
func (g *Gate) Wrap(handler agent.DispatchFunc) agent.DispatchFunc {
	return func(ctx context.Context, input map[string]any) string {
		g.mu.Lock()
		defer g.mu.Unlock()
		return handler(ctx, input)
	}
}
