package embedder

import (
	"fmt"
	"strings"

	"github.com/dshills/convosearch/internal/config"
)

// NewProvider creates the provider named by cfg.Provider
func NewProvider(cfg config.EmbedConfig) (Embedder, error) {
	opts := ProviderOptions{
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		Dimension: cfg.Dimension,
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		return NewOpenAIProvider(opts)
	case ProviderOllama:
		return NewOllamaProvider(opts)
	case ProviderJina:
		return NewJinaProvider(opts)
	case ProviderLocal, "":
		return NewLocalProvider(opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, cfg.Provider)
	}
}

// New creates a batching client for the configured provider. dimension is
// the index's recorded vector dimension, or 0 for a fresh index.
func New(cfg config.EmbedConfig, dimension int) (*Client, error) {
	provider, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}

	return NewClient(provider, ClientOptions{
		BatchSize:         cfg.BatchSize,
		CacheSize:         cfg.CacheSize,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Dimension:         dimension,
		Retry: RetryConfig{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.BaseDelay,
			MaxDelay:   cfg.MaxDelay,
			Multiplier: BackoffMultiplier,
		},
	}), nil
}
