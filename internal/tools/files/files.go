// Package files provides the file-agent tool handlers: read, write and
// list, rooted under a configured work directory.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wardenlabs/warden/internal/agent"
	"github.com/wardenlabs/warden/pkg/models"
)

// Tools exposes file operations confined to a root directory.
type Tools struct {
	root string
}

// New resolves the root; relative roots resolve against the working
// directory.
func New(root string) (*Tools, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	return &Tools{root: abs}, nil
}

// Register adds read_file, write_file and list_dir to the registry.
func (t *Tools) Register(reg *agent.Registry) error {
	specs := []struct {
		spec    models.ToolSpec
		handler agent.DispatchFunc
	}{
		{
			spec: models.ToolSpec{
				Name:        "read_file",
				Description: "Read a file's contents. Path is relative to the work directory.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {"path": {"type": "string"}},
					"required": ["path"]
				}`),
			},
			handler: t.readFile,
		},
		{
			spec: models.ToolSpec{
				Name:        "write_file",
				Description: "Write content to a file, creating parent directories as needed.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string"},
						"content": {"type": "string"}
					},
					"required": ["path", "content"]
				}`),
			},
			handler: t.writeFile,
		},
		{
			spec: models.ToolSpec{
				Name:        "list_dir",
				Description: "List a directory's entries. Path is relative to the work directory; omit for the root.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {"path": {"type": "string"}}
				}`),
			},
			handler: t.listDir,
		},
	}

	for _, s := range specs {
		if err := reg.Register(s.spec, s.handler); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tools) readFile(_ context.Context, input map[string]any) string {
	path, err := t.resolve(stringField(input, "path"))
	if err != nil {
		return "ERROR: " + err.Error()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("ERROR: read %s: %v", path, err)
	}
	return string(data)
}

func (t *Tools) writeFile(_ context.Context, input map[string]any) string {
	path, err := t.resolve(stringField(input, "path"))
	if err != nil {
		return "ERROR: " + err.Error()
	}
	content := stringField(input, "content")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Sprintf("ERROR: create parent dirs: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Sprintf("ERROR: write %s: %v", path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path)
}

func (t *Tools) listDir(_ context.Context, input map[string]any) string {
	rel := stringField(input, "path")
	if rel == "" {
		rel = "."
	}
	path, err := t.resolve(rel)
	if err != nil {
		return "ERROR: " + err.Error()
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Sprintf("ERROR: list %s: %v", path, err)
	}
	if len(entries) == 0 {
		return "(empty directory)"
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n")
}

// resolve joins the path under the root and rejects escapes.
func (t *Tools) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path required")
	}
	joined := path
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(t.root, joined)
	}
	cleaned := filepath.Clean(joined)
	if cleaned != t.root && !strings.HasPrefix(cleaned, t.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the work directory", path)
	}
	return cleaned, nil
}

func stringField(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}
