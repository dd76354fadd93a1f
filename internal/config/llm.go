package config

import (
	"fmt"
	"time"
)

// LLMConfig configures the language model transport.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, cli
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`

	// CLICommand is the binary invoked by the cli provider. The prompt is
	// written to stdin and the completion read from stdout.
	CLICommand string   `yaml:"cli_command"`
	CLIArgs    []string `yaml:"cli_args"`

	// Client-side rate limiting; zero disables it.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"gemini", "cli"}

// GetTimeout returns the transport timeout as a duration.
func (l LLMConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(l.Timeout)
	if err != nil || d <= 0 {
		return 300 * time.Second
	}
	return d
}

// Validate validates the transport settings.
func (l LLMConfig) Validate() error {
	switch l.Provider {
	case "gemini":
		if l.APIKey == "" {
			return fmt.Errorf("gemini API key not configured (set GEMINI_API_KEY)")
		}
	case "cli":
		if l.CLICommand == "" {
			return fmt.Errorf("cli provider requires cli_command")
		}
	default:
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", l.Provider, ValidProviders)
	}
	if l.RequestsPerMinute < 0 || l.Burst < 0 {
		return fmt.Errorf("rate limit settings must be non-negative")
	}
	return nil
}
