// Package escalate decides what to do when a sub-agent reports stuck:
// retry with guidance, reroute to a sibling agent, decompose, or hand the
// problem to the user.
package escalate

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wardenlabs/warden/internal/bus"
	"github.com/wardenlabs/warden/pkg/models"
)

// taskPrefixLen bounds the task-derived portion of the failure-log key.
const taskPrefixLen = 48

// DefaultRerouteMap pairs each agent with the siblings allowed to take over
// its tasks. Browser tasks stay on browser-capable agents.
func DefaultRerouteMap() map[string][]string {
	return map[string][]string{
		"coder":    {"system"},
		"system":   {"coder"},
		"file":     {"system", "coder"},
		"research": {"browser"},
		"browser":  {},
	}
}

// Manager is the escalation state machine. It is keyed by (agent, task
// prefix) so repeated failures on the same task walk the strategy table
// while unrelated tasks stay independent.
type Manager struct {
	mu         sync.Mutex
	failures   map[string][]models.FailureRecord
	rerouteMap map[string][]string
	events     *bus.Bus
	log        *slog.Logger
}

// New builds a manager. rerouteMap nil falls back to DefaultRerouteMap;
// events may be nil.
func New(rerouteMap map[string][]string, events *bus.Bus, log *slog.Logger) *Manager {
	if rerouteMap == nil {
		rerouteMap = DefaultRerouteMap()
	}
	return &Manager{
		failures:   make(map[string][]models.FailureRecord),
		rerouteMap: rerouteMap,
		events:     events,
		log:        log,
	}
}

// Escalate records the failure and returns the strategy for this attempt.
// Attempts are 1-indexed per (agent, task prefix).
func (m *Manager) Escalate(agent, task, stuckReason string, attempt int) models.EscalationDecision {
	prefix := TaskPrefix(task)

	m.mu.Lock()
	key := failureKey(agent, prefix)
	m.failures[key] = append(m.failures[key], models.FailureRecord{
		Agent:      agent,
		TaskPrefix: prefix,
		Reason:     stuckReason,
		Attempt:    attempt,
		Timestamp:  time.Now(),
	})
	m.mu.Unlock()

	decision := m.decide(agent, prefix, stuckReason, attempt)
	m.log.Info("escalation decided",
		"agent", agent, "attempt", attempt,
		"strategy", decision.Strategy, "target", decision.Agent)
	if m.events != nil {
		m.events.Emit(models.EventEscalation, map[string]any{
			"agent": agent, "attempt": attempt,
			"strategy": string(decision.Strategy), "target": decision.Agent,
			"reason": stuckReason,
		})
	}
	return decision
}

func (m *Manager) decide(agent, prefix, stuckReason string, attempt int) models.EscalationDecision {
	switch {
	case attempt <= 1:
		return models.EscalationDecision{
			Strategy: models.StrategyRetry,
			Agent:    agent,
			Guidance: Guidance(agent, stuckReason),
		}

	case attempt == 2:
		if target := m.rerouteTarget(agent, prefix); target != "" {
			return models.EscalationDecision{
				Strategy: models.StrategyReroute,
				Agent:    target,
				Guidance: Guidance(target, stuckReason),
			}
		}
		// No untried sibling; fall through to decompose.
		fallthrough

	case attempt == 3:
		return models.EscalationDecision{
			Strategy: models.StrategyDecompose,
			Agent:    agent,
			Guidance: "Do not attempt the whole task at once. Complete whatever parts you can, " +
				"then call done with a report of what you finished and what remains blocked.\n" +
				Guidance(agent, stuckReason),
		}

	default:
		return models.EscalationDecision{
			Strategy:    models.StrategyAskUser,
			Agent:       agent,
			UserMessage: m.userMessage(agent, prefix, stuckReason, attempt),
		}
	}
}

// rerouteTarget picks the first configured sibling that has not already
// failed this task prefix.
func (m *Manager) rerouteTarget(agent, prefix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, candidate := range m.rerouteMap[agent] {
		if len(m.failures[failureKey(candidate, prefix)]) == 0 {
			return candidate
		}
	}
	return ""
}

func (m *Manager) userMessage(agent, prefix, stuckReason string, attempt int) string {
	m.mu.Lock()
	records := append([]models.FailureRecord{}, m.failures[failureKey(agent, prefix)]...)
	m.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "I could not complete this task after %d attempts.\n", attempt)
	fmt.Fprintf(&sb, "Task: %s\n", prefix)
	fmt.Fprintf(&sb, "Last error: %s\n", stuckReason)
	if len(records) > 1 {
		sb.WriteString("Earlier failures:\n")
		for _, rec := range records[:len(records)-1] {
			fmt.Fprintf(&sb, "  attempt %d (%s): %s\n", rec.Attempt, rec.Agent, rec.Reason)
		}
	}
	sb.WriteString("How should I proceed?")
	return sb.String()
}

// Clear drops the failure log for a task after top-level success.
func (m *Manager) Clear(task string) {
	prefix := TaskPrefix(task)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.failures {
		if strings.HasSuffix(key, "\x00"+prefix) {
			delete(m.failures, key)
		}
	}
}

// Failures returns a snapshot of the failure log for an agent and task.
func (m *Manager) Failures(agent, task string) []models.FailureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.failures[failureKey(agent, TaskPrefix(task))]
	return append([]models.FailureRecord{}, records...)
}

// TaskPrefix normalizes a task string to the failure-log key fragment.
func TaskPrefix(task string) string {
	task = strings.TrimSpace(task)
	if len(task) > taskPrefixLen {
		return task[:taskPrefixLen]
	}
	return task
}

func failureKey(agent, prefix string) string {
	return agent + "\x00" + prefix
}

// guidanceHints pairs stuck-reason keywords with domain hints.
var guidanceHints = []struct {
	keyword string
	hint    string
}{
	{"click", "Take a screenshot and look at the page before clicking; the element may have moved or be behind an overlay."},
	{"button", "List the interactive elements and look first; the button label may differ from what you expect."},
	{"not found", "Always look first: list the directory or page contents before assuming the target exists under that name."},
	{"timeout", "Wait longer between actions and retry once; if it times out again, try a different route to the same result."},
	{"dropdown", "Open the dropdown and read its options before selecting; match on visible text, not position."},
	{"permission", "Check permissions and ownership first; prefer a path you can write to over forcing the operation."},
	{"captcha", "A human check is blocking automation; stop and report it rather than retrying."},
	{"app", "Confirm the application is installed and running before interacting with it."},
	{"error", "Read the full error text carefully; fix the stated cause before retrying the same action."},
}

// Guidance synthesizes retry hints from a stuck reason. The generic
// switch-strategy rule is always appended.
func Guidance(agent, stuckReason string) string {
	lower := strings.ToLower(stuckReason)
	var lines []string
	for _, h := range guidanceHints {
		if strings.Contains(lower, h.keyword) {
			lines = append(lines, h.hint)
		}
	}
	lines = append(lines, "If the same method fails twice, switch strategy instead of repeating it.")
	return fmt.Sprintf("Previous attempt by %s failed: %s\nGuidance:\n- %s",
		agent, stuckReason, strings.Join(lines, "\n- "))
}
