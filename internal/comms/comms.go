// Package comms holds the in-process channels agents share: a keyed
// scratchpad and a one-slot handoff registry. Both live for the process
// lifetime only.
package comms

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wardenlabs/warden/pkg/models"
)

// Scratchpad is the shared key-value store agents use to pass findings
// sideways without going through the model context.
type Scratchpad struct {
	mu      sync.Mutex
	entries map[string]models.ScratchpadEntry
}

// NewScratchpad returns an empty pad.
func NewScratchpad() *Scratchpad {
	return &Scratchpad{entries: make(map[string]models.ScratchpadEntry)}
}

// Write stores a value under key, replacing any previous entry.
func (s *Scratchpad) Write(key, value, kind, writer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = models.ScratchpadEntry{
		Key:       key,
		Value:     value,
		Kind:      kind,
		Writer:    writer,
		Timestamp: time.Now(),
	}
}

// Read returns the entry for key.
func (s *Scratchpad) Read(key string) (models.ScratchpadEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	return entry, ok
}

// ReadByKind returns every entry of the given kind, keyed as stored.
func (s *Scratchpad) ReadByKind(kind string) map[string]models.ScratchpadEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.ScratchpadEntry)
	for key, entry := range s.entries {
		if entry.Kind == kind {
			out[key] = entry
		}
	}
	return out
}

// Summary renders the pad for prompt injection, keys sorted for stable
// output.
func (s *Scratchpad) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return ""
	}

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("Shared scratchpad:\n")
	for _, key := range keys {
		entry := s.entries[key]
		fmt.Fprintf(&sb, "- [%s] %s (by %s): %s\n", entry.Kind, entry.Key, entry.Writer, entry.Value)
	}
	return sb.String()
}

// Clear empties the pad.
func (s *Scratchpad) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]models.ScratchpadEntry)
}

// Len reports the entry count.
func (s *Scratchpad) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Handoff is context one agent leaves for the next invocation of another.
type Handoff struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Context string    `json:"context"`
	Task    string    `json:"task"`
	Created time.Time `json:"created"`
}

// HandoffRegistry stores at most one pending handoff per target agent.
type HandoffRegistry struct {
	mu      sync.Mutex
	pending map[string]Handoff
}

// NewHandoffRegistry returns an empty registry.
func NewHandoffRegistry() *HandoffRegistry {
	return &HandoffRegistry{pending: make(map[string]Handoff)}
}

// Leave records a handoff for agent to. A later handoff to the same agent
// replaces an unclaimed earlier one.
func (r *HandoffRegistry) Leave(from, to, context, task string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[to] = Handoff{From: from, To: to, Context: context, Task: task, Created: time.Now()}
}

// Pop claims the pending handoff for an agent, clearing the slot in the
// same critical section.
func (r *HandoffRegistry) Pop(agent string) (Handoff, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.pending[agent]
	if ok {
		delete(r.pending, agent)
	}
	return h, ok
}
