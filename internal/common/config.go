package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Logging     LoggingConfig   `toml:"logging"`
	Storage     StorageConfig   `toml:"storage"`
	LLM         LLMConfig       `toml:"llm"`
	Claude      ClaudeConfig    `toml:"claude"`
	Gemini      GeminiConfig    `toml:"gemini"`
	Worker      WorkerConfig    `toml:"worker"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	Poller      PollerConfig    `toml:"poller"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

type StorageConfig struct {
	Backend string       `toml:"backend"` // "badger" (default) or "memory"
	Badger  BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// LLMConfig contains provider-agnostic generation settings.
// Providers lists the default fallback order; a task request may override it.
type LLMConfig struct {
	Providers      []string `toml:"providers"`       // Ordered fallback list, e.g. ["claude", "gemini"]
	ExpectedLength int      `toml:"expected_length"` // Expected report length in characters, used for progress estimation
	MaxTokens      int      `toml:"max_tokens"`
	Temperature    float32  `toml:"temperature"`
}

type ClaudeConfig struct {
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	Timeout string `toml:"timeout"` // Per-call timeout, e.g. "120s". Bounds cancellation latency.
}

type GeminiConfig struct {
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	Timeout string `toml:"timeout"`
}

type WorkerConfig struct {
	Concurrency    int    `toml:"concurrency"`     // Number of task workers
	PollInterval   string `toml:"poll_interval"`   // How often idle workers scan for pending tasks
	StaleThreshold string `toml:"stale_threshold"` // Running tasks with heartbeats older than this are reclaimed
	ReclaimSpec    string `toml:"reclaim_spec"`    // Cron spec for the stale-task reclaimer
	AppendRetries  int    `toml:"append_retries"`  // Storage retries for a chunk append before failing the task
}

type WebSocketConfig struct {
	ProgressInterval string `toml:"progress_interval"` // Min interval between progress events per connection
}

type PollerConfig struct {
	MinInterval string `toml:"min_interval"` // Poll interval when visible
	MaxInterval string `toml:"max_interval"` // Poll interval when hidden
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		Storage: StorageConfig{
			Backend: "badger",
			Badger: BadgerConfig{
				Path: "./data/scriptor",
			},
		},
		LLM: LLMConfig{
			Providers:      []string{"claude", "gemini"},
			ExpectedLength: 5000,
			MaxTokens:      8192,
			Temperature:    0.7,
		},
		Claude: ClaudeConfig{
			Model:   "claude-sonnet-4-20250514",
			Timeout: "120s",
		},
		Gemini: GeminiConfig{
			Model:   "gemini-2.5-flash",
			Timeout: "120s",
		},
		Worker: WorkerConfig{
			Concurrency:    4,
			PollInterval:   "1s",
			StaleThreshold: "5m",
			ReclaimSpec:    "@every 1m",
			AppendRetries:  3,
		},
		WebSocket: WebSocketConfig{
			ProgressInterval: "500ms",
		},
		Poller: PollerConfig{
			MinInterval: "2s",
			MaxInterval: "8s",
		},
	}
}

// LoadConfig loads configuration: defaults -> TOML file(s) -> environment overrides.
// Later files override earlier ones.
func LoadConfig(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies SCRIPTOR_* environment variables on top of file config
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCRIPTOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SCRIPTOR_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SCRIPTOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SCRIPTOR_STORAGE_PATH"); v != "" {
		cfg.Storage.Badger.Path = v
	}
	if v := os.Getenv("SCRIPTOR_PROVIDERS"); v != "" {
		parts := strings.Split(v, ",")
		providers := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				providers = append(providers, p)
			}
		}
		if len(providers) > 0 {
			cfg.LLM.Providers = providers
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Claude.APIKey == "" {
		cfg.Claude.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = v
	}
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if len(c.LLM.Providers) == 0 {
		return fmt.Errorf("at least one LLM provider must be configured")
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"claude.timeout", c.Claude.Timeout},
		{"gemini.timeout", c.Gemini.Timeout},
		{"worker.poll_interval", c.Worker.PollInterval},
		{"worker.stale_threshold", c.Worker.StaleThreshold},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", d.name, d.value)
		}
	}
	return nil
}

// ParseDurationOr parses a duration string, returning the fallback on failure
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
