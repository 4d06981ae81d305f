// Package killswitch provides the global abort flag. Tripping it stops
// agent loops between steps and halts new task intake until reset.
package killswitch

import (
	"sync"
	"sync/atomic"
)

// Switch is a latching abort flag, safe for concurrent use.
type Switch struct {
	tripped atomic.Bool

	mu       sync.Mutex
	watchers []func(reason string)
	reason   string
}

// New returns an untripped switch.
func New() *Switch {
	return &Switch{}
}

// Trip latches the switch and notifies watchers once. Subsequent trips are
// no-ops until Reset.
func (s *Switch) Trip(reason string) {
	if s.tripped.Swap(true) {
		return
	}
	s.mu.Lock()
	s.reason = reason
	watchers := append([]func(string){}, s.watchers...)
	s.mu.Unlock()

	for _, w := range watchers {
		w(reason)
	}
}

// Tripped reports whether the switch is engaged.
func (s *Switch) Tripped() bool {
	return s.tripped.Load()
}

// Reason returns the trip reason, empty when untripped.
func (s *Switch) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tripped.Load() {
		return ""
	}
	return s.reason
}

// Reset clears the switch so new work can start.
func (s *Switch) Reset() {
	s.mu.Lock()
	s.reason = ""
	s.mu.Unlock()
	s.tripped.Store(false)
}

// OnTrip registers a callback invoked on the tripping goroutine.
func (s *Switch) OnTrip(fn func(reason string)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}
