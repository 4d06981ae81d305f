// Package memory keeps a per-agent append-only outcome log on disk and
// summarizes it into context for future runs.
package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wardenlabs/warden/pkg/models"
)

const (
	// recentFailures bounds how many failure patterns the context cites.
	recentFailures = 3

	// contextLimit bounds the generated context string.
	contextLimit = 1200

	// taskExcerptLen bounds the task text stored per record.
	taskExcerptLen = 120
)

// Store is the on-disk memory. One JSONL file per agent under dir; writes
// are serialized, reads scan the file.
type Store struct {
	mu  sync.Mutex
	dir string
	log *slog.Logger
}

// Stats is the success/failure tally for one agent.
type Stats struct {
	Successes int `json:"succ"`
	Failures  int `json:"fail"`
}

// NewStore creates the directory if needed.
func NewStore(dir string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// RecordSuccess appends a success record for the agent.
func (s *Store) RecordSuccess(agent, task, details string, steps int) error {
	return s.append(models.MemoryRecord{
		Agent:     agent,
		Task:      excerpt(task),
		Outcome:   models.OutcomeSuccess,
		Details:   details,
		Steps:     steps,
		Timestamp: time.Now(),
	})
}

// RecordFailure appends a failure record for the agent.
func (s *Store) RecordFailure(agent, task, reason string, steps int) error {
	return s.append(models.MemoryRecord{
		Agent:     agent,
		Task:      excerpt(task),
		Outcome:   models.OutcomeFailure,
		Details:   reason,
		Steps:     steps,
		Timestamp: time.Now(),
	})
}

func (s *Store) append(rec models.MemoryRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode memory record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(rec.Agent), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open memory log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append memory record: %w", err)
	}
	return nil
}

// Records returns every record for the agent in append order. Corrupt lines
// are skipped, not fatal.
func (s *Store) Records(agent string) ([]models.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path(agent))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open memory log: %w", err)
	}
	defer f.Close()

	var records []models.MemoryRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec models.MemoryRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			s.log.Warn("skipping corrupt memory record", "agent", agent, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan memory log: %w", err)
	}
	return records, nil
}

// Context renders a bounded human-readable summary for injection into the
// agent's prompt: success ratio plus recent failure patterns.
func (s *Store) Context(agent string) string {
	records, err := s.Records(agent)
	if err != nil {
		s.log.Warn("memory context unavailable", "agent", agent, "error", err)
		return ""
	}
	if len(records) == 0 {
		return ""
	}

	var succ, fail int
	var failures []models.MemoryRecord
	for _, rec := range records {
		if rec.Outcome == models.OutcomeSuccess {
			succ++
		} else {
			fail++
			failures = append(failures, rec)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Past performance for %s: %d succeeded, %d failed.\n", agent, succ, fail)
	if len(failures) > 0 {
		sb.WriteString("Recent failures to avoid repeating:\n")
		start := len(failures) - recentFailures
		if start < 0 {
			start = 0
		}
		for _, rec := range failures[start:] {
			fmt.Fprintf(&sb, "- %s: %s\n", rec.Task, rec.Details)
		}
	}

	out := sb.String()
	if len(out) > contextLimit {
		out = out[:contextLimit]
	}
	return out
}

// profileFile holds the user-profile document, separate from the agent
// outcome logs.
const profileFile = "profile.json"

// Profile returns the editable user-profile document as field → content.
// A missing document is an empty profile, not an error.
func (s *Store) Profile() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(s.dir, profileFile))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var profile map[string]string
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}

// SaveProfile sets one profile field and rewrites the document.
func (s *Store) SaveProfile(field, content string) error {
	if strings.TrimSpace(field) == "" {
		return fmt.Errorf("profile field required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, profileFile)
	profile := map[string]string{}
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &profile); err != nil {
			s.log.Warn("resetting corrupt profile", "error", err)
			profile = map[string]string{}
		}
	}
	profile[field] = content

	raw, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}

// AllStats tallies every agent with a memory file.
func (s *Store) AllStats() (map[string]Stats, error) {
	s.mu.Lock()
	entries, err := os.ReadDir(s.dir)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("read memory dir: %w", err)
	}

	stats := make(map[string]Stats)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		agent := strings.TrimSuffix(name, ".jsonl")
		records, err := s.Records(agent)
		if err != nil {
			return nil, err
		}
		var st Stats
		for _, rec := range records {
			if rec.Outcome == models.OutcomeSuccess {
				st.Successes++
			} else {
				st.Failures++
			}
		}
		stats[agent] = st
	}
	return stats, nil
}

func (s *Store) path(agent string) string {
	// Agent names are internal identifiers, but keep the filename safe.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, agent)
	return filepath.Join(s.dir, safe+".jsonl")
}

func excerpt(task string) string {
	task = strings.TrimSpace(task)
	if len(task) > taskExcerptLen {
		return task[:taskExcerptLen]
	}
	return task
}
