package llm

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scriptor/internal/common"
	"github.com/ternarybob/scriptor/internal/interfaces"
)

// Provider names as they appear in configuration and attempt records.
const (
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
)

// NewProviders builds the ordered provider chain from configuration.
// Order matters: the first entry is the primary provider, the rest are
// fallback candidates in declared order. A provider that cannot be built,
// usually for want of an API key, is skipped with a warning; having no
// usable provider at all is fatal.
func NewProviders(cfg *common.Config, logger arbor.ILogger) ([]interfaces.Provider, error) {
	providers := make([]interfaces.Provider, 0, len(cfg.LLM.Providers))

	for _, name := range cfg.LLM.Providers {
		var (
			p   interfaces.Provider
			err error
		)
		switch name {
		case ProviderClaude:
			p, err = NewClaudeProvider(cfg, logger)
		case ProviderGemini:
			p, err = NewGeminiProvider(cfg, logger)
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		if err != nil {
			logger.Warn().Err(err).Str("provider", name).Msg("Provider unavailable, skipping")
			continue
		}
		providers = append(providers, p)
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("no usable LLM providers configured")
	}
	return providers, nil
}
