package shell

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/wardenlabs/warden/internal/agent"
)

func newTestRegistry(t *testing.T, opts Options) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err := New(opts).Register(reg); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestRunCommandOutput(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	got := reg.Dispatch(context.Background(), "run_command", map[string]any{"command": "echo hello"})
	if strings.TrimSpace(got) != "hello" {
		t.Errorf("output = %q", got)
	}
}

func TestRunCommandFailureIsError(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	got := reg.Dispatch(context.Background(), "run_command", map[string]any{"command": "exit 3"})
	if !strings.HasPrefix(got, "ERROR:") {
		t.Errorf("output = %q", got)
	}
}

func TestRunCommandTimeout(t *testing.T) {
	reg := newTestRegistry(t, Options{Timeout: 50 * time.Millisecond})
	got := reg.Dispatch(context.Background(), "run_command", map[string]any{"command": "sleep 2"})
	if !strings.Contains(got, "timed out") {
		t.Errorf("output = %q", got)
	}
}

func TestDestructiveGate(t *testing.T) {
	reg := newTestRegistry(t, Options{ConfirmDestructive: true})

	got := reg.Dispatch(context.Background(), "run_command", map[string]any{"command": "rm -rf /tmp/scratch"})
	if !strings.Contains(got, "confirm:true") {
		t.Errorf("unconfirmed destructive = %q", got)
	}

	// With confirmation the gate opens. Use a harmless command that still
	// matches the destructive pattern set.
	got = reg.Dispatch(context.Background(), "run_command", map[string]any{
		"command": "echo rm -rf simulated",
		"confirm": true,
	})
	if strings.HasPrefix(got, "ERROR:") {
		t.Errorf("confirmed = %q", got)
	}
}

func TestIsDestructive(t *testing.T) {
	destructive := []string{
		"rm -rf /",
		"rm -r ./build",
		"sudo mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
		"shutdown -h now",
	}
	for _, cmd := range destructive {
		if !IsDestructive(cmd) {
			t.Errorf("%q not flagged", cmd)
		}
	}

	safe := []string{"ls -la", "echo done", "grep -r TODO .", "git status"}
	for _, cmd := range safe {
		if IsDestructive(cmd) {
			t.Errorf("%q wrongly flagged", cmd)
		}
	}
}
