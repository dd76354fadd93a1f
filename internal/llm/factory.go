package llm

import (
	"context"
	"fmt"

	"specnerd/internal/config"
	"specnerd/internal/logging"
	"specnerd/internal/types"
)

// New builds the model adapter selected by cfg, wrapped in a rate limiter
// when one is configured.
func New(ctx context.Context, cfg config.LLMConfig) (types.LanguageModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var model types.LanguageModel
	switch cfg.Provider {
	case "gemini":
		g, err := NewGemini(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		model = g
	case "cli":
		c, err := NewCLI(cfg.CLICommand, cfg.CLIArgs, cfg.GetTimeout())
		if err != nil {
			return nil, err
		}
		model = c
	default:
		return nil, fmt.Errorf("invalid LLM provider: %s", cfg.Provider)
	}
	logging.API("Using %s model provider (model=%q)", cfg.Provider, cfg.Model)

	if cfg.RequestsPerMinute > 0 {
		logging.APIDebug("Rate limiting to %d requests/minute (burst %d)", cfg.RequestsPerMinute, cfg.Burst)
		model = NewRateLimited(model, cfg.RequestsPerMinute, cfg.Burst)
	}
	return model, nil
}
