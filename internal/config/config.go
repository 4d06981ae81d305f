// Package config loads the runtime configuration from YAML or JSON5, with
// ${VAR} environment expansion for secrets and $include merging for
// shared fragments.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses from "2s"-style strings in both YAML and JSON, or from
// integer nanoseconds.
type Duration time.Duration

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asString string
	if err := value.Decode(&asString); err == nil {
		return d.parse(asString)
	}
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(asInt)
		return nil
	}
	return fmt.Errorf("invalid duration %q", value.Value)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration %q", s)
}

// Config is the full runtime configuration.
type Config struct {
	// Provider selects the model API flavor: "anthropic" or "openai".
	Provider string `yaml:"provider" json:"provider"`
	APIKey   string `yaml:"api_key" json:"api_key"`
	BaseURL  string `yaml:"base_url" json:"base_url"`

	// HeavyModel runs the brain and complex tasks; FastModel runs
	// classification and simple sub-agents.
	HeavyModel string `yaml:"heavy_model" json:"heavy_model"`
	FastModel  string `yaml:"fast_model" json:"fast_model"`

	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	MaxSteps     int           `yaml:"max_steps" json:"max_steps"`
	HistoryLimit int           `yaml:"history_limit" json:"history_limit"`
	EventHistory int           `yaml:"event_history" json:"event_history"`
	PollInterval Duration      `yaml:"poll_interval" json:"poll_interval"`

	// KillWords are phrases in inbound messages that trip the kill switch.
	KillWords []string `yaml:"kill_words" json:"kill_words"`

	// ConfirmDestructive requires user confirmation before destructive
	// shell dispatches.
	ConfirmDestructive bool `yaml:"confirm_destructive" json:"confirm_destructive"`

	// StateDir holds agent memory logs.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	Log       Log       `yaml:"log" json:"log"`
	Dashboard Dashboard `yaml:"dashboard" json:"dashboard"`
	Relay     Relay     `yaml:"relay" json:"relay"`
	Tools     Tools     `yaml:"tools" json:"tools"`

	// Reroute overrides the escalation reroute map.
	Reroute map[string][]string `yaml:"reroute" json:"reroute"`
}

// Log configures the structured logger.
type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Dashboard configures the local HTTP/WS servers. The WS listener binds
// Port+1.
type Dashboard struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Port      int    `yaml:"port" json:"port"`
	StaticDir string `yaml:"static_dir" json:"static_dir"`
}

// Relay configures both the outbound tunnel (URL, Token) and the relay
// server binary (Listen, Passphrase, JWTSecret, History).
type Relay struct {
	URL        string `yaml:"url" json:"url"`
	Token      string `yaml:"token" json:"token"`
	Passphrase string `yaml:"passphrase" json:"passphrase"`
	JWTSecret  string `yaml:"jwt_secret" json:"jwt_secret"`
	Listen     string `yaml:"listen" json:"listen"`
	History    int    `yaml:"history" json:"history"`
}

// Tools configures tool handlers.
type Tools struct {
	// ResultLimit truncates tool results fed back to the model, in bytes.
	ResultLimit int `yaml:"result_limit" json:"result_limit"`

	// WorkDir roots the file tools; paths outside it are rejected.
	WorkDir string `yaml:"work_dir" json:"work_dir"`

	// ShellTimeout bounds one run_command dispatch.
	ShellTimeout Duration `yaml:"shell_timeout" json:"shell_timeout"`
}

// Default returns the configuration baseline; loading merges on top of it.
func Default() *Config {
	return &Config{
		Provider:     "anthropic",
		MaxRetries:   3,
		MaxSteps:     30,
		HistoryLimit: 40,
		EventHistory: 200,
		PollInterval: Duration(2 * time.Second),
		KillWords:    []string{"stop everything", "kill switch", "emergency stop"},
		StateDir:     "state",
		Log:          Log{Level: "info", Format: "json"},
		Dashboard:    Dashboard{Enabled: true, Port: 8090, StaticDir: "web"},
		Relay:        Relay{Listen: ":8443", History: 200},
		Tools:        Tools{ResultLimit: 8 * 1024, WorkDir: ".", ShellTimeout: Duration(2 * time.Minute)},
	}
}

// Load reads path into a Config on top of defaults. The extension selects
// the format: .yaml/.yml or .json/.json5. ${VAR} references expand from
// the environment, and $include directives merge other files underneath
// this one before parsing.
func Load(path string) (*Config, error) {
	doc, err := loadRaw(path, map[string]bool{})
	if err != nil {
		return nil, err
	}
	payload, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(payload, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and required fields, normalizing where a safe
// fallback exists.
func (c *Config) Validate() error {
	switch c.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("provider must be anthropic or openai, got %q", c.Provider)
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if c.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be at least 1")
	}
	if c.HistoryLimit < 1 {
		return fmt.Errorf("history_limit must be at least 1")
	}
	if c.EventHistory < 1 {
		return fmt.Errorf("event_history must be at least 1")
	}
	if c.Tools.ResultLimit < 1 {
		c.Tools.ResultLimit = 8 * 1024
	}
	if c.PollInterval <= 0 {
		c.PollInterval = Duration(2 * time.Second)
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 1 || c.Dashboard.Port > 65534) {
		return fmt.Errorf("dashboard.port must leave room for the websocket listener on port+1")
	}
	return nil
}

// Set applies a runtime override from the dashboard. Only an allowlist of
// keys is mutable while running; callers serialize access.
func (c *Config) Set(key, value string) error {
	switch key {
	case "max_steps":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("max_steps must be a positive integer, got %q", value)
		}
		c.MaxSteps = n

	case "history_limit":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("history_limit must be a positive integer, got %q", value)
		}
		c.HistoryLimit = n

	case "poll_interval":
		var d Duration
		if err := d.parse(value); err != nil {
			return err
		}
		c.PollInterval = d

	case "confirm_destructive":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("confirm_destructive must be a boolean, got %q", value)
		}
		c.ConfirmDestructive = b

	case "tools.result_limit":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("tools.result_limit must be a positive integer, got %q", value)
		}
		c.Tools.ResultLimit = n

	default:
		return fmt.Errorf("config key %q is not adjustable at runtime", key)
	}
	return nil
}
