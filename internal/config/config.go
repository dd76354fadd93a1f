package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StateDirName is the per-workspace directory holding session files, logs and checkpoints.
const StateDirName = ".specnerd"

// Config holds all specnerd configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Language model transport
	LLM LLMConfig `yaml:"llm"`

	// Session document and operation log
	Session SessionConfig `yaml:"session"`

	// Specialist iteration budgets and template overrides
	Specialists SpecialistsConfig `yaml:"specialists"`

	// History compression budget
	History HistoryConfig `yaml:"history"`

	// Executor retry behavior
	Executor ExecutorConfig `yaml:"executor"`

	// Per-session engine table and checkpoints
	Engine EngineConfig `yaml:"engine"`

	// Prompt template source
	Prompt PromptConfig `yaml:"prompt"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// SessionConfig configures the SessionManager.
type SessionConfig struct {
	MaxAge        string `yaml:"max_age"`        // session expiry, default 24h
	WriteAttempts int    `yaml:"write_attempts"` // persist attempts before surfacing an IO error
}

// ExecutorConfig configures the specialist loop.
type ExecutorConfig struct {
	EmptyResponseRetries int    `yaml:"empty_response_retries"`
	BackoffBase          string `yaml:"backoff_base"` // delay unit for 2^(n-1) backoff
}

// EngineConfig configures the session-actor table.
type EngineConfig struct {
	MaxActiveSessions int    `yaml:"max_active_sessions"`
	CheckpointDB      string `yaml:"checkpoint_db"` // relative to the state dir unless absolute

	// CheckpointRetention purges checkpoints untouched for longer when a
	// workspace is opened. "0" keeps them forever.
	CheckpointRetention string `yaml:"checkpoint_retention"`
}

// PromptConfig configures template resolution.
type PromptConfig struct {
	// TemplateDir overrides the embedded templates when set.
	TemplateDir string `yaml:"template_dir"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "specnerd",
		Version: "0.4.0",

		LLM: LLMConfig{
			Provider:          "gemini",
			Model:             "gemini-2.5-pro",
			Timeout:           "300s",
			CLICommand:        "claude",
			RequestsPerMinute: 30,
			Burst:             2,
		},

		Session: SessionConfig{
			MaxAge:        "24h",
			WriteAttempts: 3,
		},

		Specialists: SpecialistsConfig{
			Defaults: CategoryDefaults{
				Content: 15,
				Process: 8,
			},
		},

		History: DefaultHistoryConfig(),

		Executor: ExecutorConfig{
			EmptyResponseRetries: 3,
			BackoffBase:          "1s",
		},

		Engine: EngineConfig{
			MaxActiveSessions:   16,
			CheckpointDB:        "engine.db",
			CheckpointRetention: "720h",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},

		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// DefaultPath returns the config path for a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, StateDirName, "config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "gemini"
		}
	}
	if p := os.Getenv("SPECNERD_PROVIDER"); p != "" {
		c.LLM.Provider = p
	}
	if m := os.Getenv("SPECNERD_MODEL"); m != "" {
		c.LLM.Model = m
	}
	if lvl := os.Getenv("SPECNERD_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
		c.Logging.DebugMode = true
	}
	if dir := os.Getenv("SPECNERD_TEMPLATES"); dir != "" {
		c.Prompt.TemplateDir = dir
	}
}

// GetSessionMaxAge returns the session expiry as a duration.
func (c *Config) GetSessionMaxAge() time.Duration {
	d, err := time.ParseDuration(c.Session.MaxAge)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// GetBackoffBase returns the retry backoff unit.
func (c *Config) GetBackoffBase() time.Duration {
	d, err := time.ParseDuration(c.Executor.BackoffBase)
	if err != nil || d < 0 {
		return time.Second
	}
	return d
}

// GetCheckpointRetention returns how long idle checkpoints are kept. Zero
// disables purging.
func (c *Config) GetCheckpointRetention() time.Duration {
	d, err := time.ParseDuration(c.Engine.CheckpointRetention)
	if err != nil || d < 0 {
		return 30 * 24 * time.Hour
	}
	return d
}

// CheckpointPath resolves the checkpoint database path for a workspace.
func (c *Config) CheckpointPath(workspace string) string {
	if filepath.IsAbs(c.Engine.CheckpointDB) {
		return c.Engine.CheckpointDB
	}
	name := c.Engine.CheckpointDB
	if name == "" {
		name = "engine.db"
	}
	return filepath.Join(workspace, StateDirName, name)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if c.Specialists.Defaults.Content < 1 || c.Specialists.Defaults.Process < 1 {
		return fmt.Errorf("specialist iteration defaults must be >= 1")
	}
	for id, o := range c.Specialists.Overrides {
		if o.MaxIterations < 0 {
			return fmt.Errorf("specialist %s: max_iterations must be >= 0", id)
		}
		if o.Category != "" && o.Category != "content" && o.Category != "process" {
			return fmt.Errorf("specialist %s: unknown category %q", id, o.Category)
		}
	}
	if err := c.History.Validate(); err != nil {
		return err
	}
	if c.Executor.EmptyResponseRetries < 0 {
		return fmt.Errorf("empty_response_retries must be >= 0")
	}
	if c.Engine.MaxActiveSessions < 1 {
		return fmt.Errorf("max_active_sessions must be >= 1")
	}
	return nil
}

// HistoryConfig configures tiered history compression.
type HistoryConfig struct {
	TokenBudget         int     `yaml:"token_budget"`
	ImmediateRatio      float64 `yaml:"immediate_ratio"`
	RecentRatio         float64 `yaml:"recent_ratio"`
	MilestoneRatio      float64 `yaml:"milestone_ratio"`
	ImmediateIterations int     `yaml:"immediate_iterations"`
	RecentIterations    int     `yaml:"recent_iterations"`
}

// DefaultHistoryConfig returns the 55/30/15 split over the last 3 and next 5 iterations.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		TokenBudget:         40000,
		ImmediateRatio:      0.55,
		RecentRatio:         0.30,
		MilestoneRatio:      0.15,
		ImmediateIterations: 3,
		RecentIterations:    5,
	}
}

// Validate checks the ratios form a partition of the budget.
func (h HistoryConfig) Validate() error {
	if h.TokenBudget <= 0 {
		return fmt.Errorf("history token_budget must be > 0")
	}
	if h.ImmediateRatio < 0 || h.RecentRatio < 0 || h.MilestoneRatio < 0 {
		return fmt.Errorf("history ratios must be non-negative")
	}
	if sum := h.ImmediateRatio + h.RecentRatio + h.MilestoneRatio; math.Abs(sum-1) > 0.001 {
		return fmt.Errorf("history ratios must sum to 1 (got %.3f)", sum)
	}
	if h.ImmediateIterations < 1 || h.RecentIterations < 0 {
		return fmt.Errorf("history tier sizes invalid: immediate=%d recent=%d", h.ImmediateIterations, h.RecentIterations)
	}
	return nil
}
