package memory

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wardenlabs/warden/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRecordAndReadBack(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordSuccess("coder", "write parser", "done in 4 steps", 4); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordFailure("coder", "fix flaky test", "test never stabilized", 12); err != nil {
		t.Fatal(err)
	}

	records, err := s.Records("coder")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0].Outcome != models.OutcomeSuccess || records[1].Outcome != models.OutcomeFailure {
		t.Errorf("order = %+v", records)
	}
}

func TestContextSummarizesOutcomes(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.RecordSuccess("browser", "open page", "", 2); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordFailure("browser", "click checkout", "button not found", 7); err != nil {
		t.Fatal(err)
	}

	ctx := s.Context("browser")
	if !strings.Contains(ctx, "3 succeeded, 1 failed") {
		t.Errorf("context = %q", ctx)
	}
	if !strings.Contains(ctx, "button not found") {
		t.Errorf("context lacks failure pattern: %q", ctx)
	}
}

func TestContextEmptyForUnknownAgent(t *testing.T) {
	s := newTestStore(t)
	if got := s.Context("nobody"); got != "" {
		t.Errorf("context = %q", got)
	}
}

func TestContextBounded(t *testing.T) {
	s := newTestStore(t)
	long := strings.Repeat("x", 300)
	for i := 0; i < 20; i++ {
		if err := s.RecordFailure("coder", long, long, 1); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.Context("coder"); len(got) > contextLimit {
		t.Errorf("context length = %d", len(got))
	}
}

func TestAllStats(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordSuccess("coder", "a", "", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordFailure("coder", "b", "broke", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordSuccess("browser", "c", "", 1); err != nil {
		t.Fatal(err)
	}

	stats, err := s.AllStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats["coder"] != (Stats{Successes: 1, Failures: 1}) {
		t.Errorf("coder stats = %+v", stats["coder"])
	}
	if stats["browser"] != (Stats{Successes: 1, Failures: 0}) {
		t.Errorf("browser stats = %+v", stats["browser"])
	}
}

func TestCorruptLinesSkipped(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordSuccess("coder", "a", "", 1); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(s.dir, "coder.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := s.RecordFailure("coder", "b", "broke", 1); err != nil {
		t.Fatal(err)
	}

	records, err := s.Records("coder")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("records = %d, corrupt line must be skipped", len(records))
	}
}
