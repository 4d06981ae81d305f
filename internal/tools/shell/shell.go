// Package shell provides the system-agent command tool with a destructive
// command gate and a per-dispatch timeout.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/wardenlabs/warden/internal/agent"
	"github.com/wardenlabs/warden/pkg/models"
)

// Options configure the run_command tool.
type Options struct {
	// Timeout bounds one command. Zero means 2 minutes.
	Timeout time.Duration

	// ConfirmDestructive requires confirm:true on destructive commands.
	ConfirmDestructive bool

	// WorkDir is the command working directory; empty inherits.
	WorkDir string
}

// Tools exposes shell execution.
type Tools struct {
	opts Options
}

// New applies defaults.
func New(opts Options) *Tools {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Tools{opts: opts}
}

// destructivePatterns flags commands that delete, overwrite or take down
// the host.
var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-\w*\s+)*-\w*[rf]`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`\bshutdown\b|\breboot\b|\bhalt\b`),
	regexp.MustCompile(`\bkillall\b`),
	regexp.MustCompile(`>\s*/dev/sd`),
	regexp.MustCompile(`\btruncate\s+.*-s\s*0`),
}

// IsDestructive reports whether the command matches a destructive pattern.
func IsDestructive(command string) bool {
	for _, p := range destructivePatterns {
		if p.MatchString(command) {
			return true
		}
	}
	return false
}

// Register adds run_command to the registry.
func (t *Tools) Register(reg *agent.Registry) error {
	spec := models.ToolSpec{
		Name:        "run_command",
		Description: "Run a shell command and return its combined output. Destructive commands require confirm:true.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string"},
				"confirm": {"type": "boolean", "description": "Set true to run a destructive command"}
			},
			"required": ["command"]
		}`),
	}
	return reg.Register(spec, t.runCommand)
}

func (t *Tools) runCommand(ctx context.Context, input map[string]any) string {
	command, _ := input["command"].(string)
	if strings.TrimSpace(command) == "" {
		return "ERROR: command required"
	}

	if t.opts.ConfirmDestructive && IsDestructive(command) {
		if confirmed, _ := input["confirm"].(bool); !confirmed {
			return "ERROR: command looks destructive; re-issue with confirm:true after checking with the user"
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if t.opts.WorkDir != "" {
		cmd.Dir = t.opts.WorkDir
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("ERROR: command timed out after %s\n%s", t.opts.Timeout, output.String())
	}
	if err != nil {
		return fmt.Sprintf("ERROR: %v\n%s", err, output.String())
	}
	if output.Len() == 0 {
		return "(no output)"
	}
	return output.String()
}
