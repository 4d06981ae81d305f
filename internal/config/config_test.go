package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "warden.yaml", `
provider: openai
api_key: sk-test
heavy_model: gpt-4o
fast_model: gpt-4o-mini
max_steps: 12
poll_interval: 5s
kill_words: ["abort now"]
dashboard:
  enabled: true
  port: 9000
relay:
  url: wss://relay.example.com/tunnel
  token: shared-secret
tools:
  result_limit: 4096
  shell_timeout: 30s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != "openai" || cfg.HeavyModel != "gpt-4o" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.MaxSteps != 12 {
		t.Errorf("max_steps = %d", cfg.MaxSteps)
	}
	if cfg.PollInterval.Std() != 5*time.Second {
		t.Errorf("poll_interval = %v", cfg.PollInterval.Std())
	}
	if cfg.Tools.ShellTimeout.Std() != 30*time.Second {
		t.Errorf("shell_timeout = %v", cfg.Tools.ShellTimeout.Std())
	}
	if len(cfg.KillWords) != 1 || cfg.KillWords[0] != "abort now" {
		t.Errorf("kill_words = %v", cfg.KillWords)
	}
	// Untouched fields keep defaults.
	if cfg.EventHistory != 200 || cfg.HistoryLimit != 40 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "warden.json5", `{
	// comments are allowed here
	provider: "anthropic",
	api_key: "sk-ant-test",
	max_steps: 8,
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != "anthropic" || cfg.MaxSteps != 8 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("WARDEN_TEST_KEY", "sk-from-env")
	path := writeConfig(t, "warden.yaml", "api_key: ${WARDEN_TEST_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q", cfg.APIKey)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	write("base.yaml", `
max_steps: 50
dashboard:
  port: 9000
`)
	main := write("warden.yaml", `
$include: base.yaml
max_steps: 12
dashboard:
  static_dir: ui
`)

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// The including file wins on conflicts.
	if cfg.MaxSteps != 12 {
		t.Errorf("max_steps = %d, want 12", cfg.MaxSteps)
	}
	// Nested sections merge key by key instead of replacing the subtree.
	if cfg.Dashboard.Port != 9000 || cfg.Dashboard.StaticDir != "ui" {
		t.Errorf("dashboard = %+v", cfg.Dashboard)
	}
}

func TestLoadRejectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("err = %v, want include cycle", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Provider = "mystery" },
		func(c *Config) { c.MaxSteps = 0 },
		func(c *Config) { c.EventHistory = 0 },
		func(c *Config) { c.Dashboard.Port = 65535 },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestValidateNormalizes(t *testing.T) {
	cfg := Default()
	cfg.MaxRetries = 0
	cfg.Tools.ResultLimit = 0
	cfg.PollInterval = 0
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.MaxRetries != 1 || cfg.Tools.ResultLimit != 8*1024 {
		t.Errorf("normalized = %+v", cfg)
	}
	if cfg.PollInterval.Std() != 2*time.Second {
		t.Errorf("poll_interval = %v", cfg.PollInterval.Std())
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeConfig(t, "warden.toml", "provider = 'anthropic'")
	if _, err := Load(path); err == nil {
		t.Error("expected error for unsupported extension")
	}
}
