// Package resolve creates chat and embedding providers from
// provider-agnostic configuration. Every supported backend speaks the
// OpenAI-compatible wire format — Gemini through its compatibility
// endpoint — so resolution is a base-URL table in front of one client.
package resolve

import (
	"fmt"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "openai", "gemini", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // overrides the per-provider default

	Temperature *float64
	TopP        *float64
}

// EmbeddingConfig holds provider-agnostic configuration for creating an
// EmbeddingProvider.
type EmbeddingConfig struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// Provider creates a conductor.Provider from cfg.
func Provider(cfg Config) (conductor.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("resolve: unknown provider %q and no base_url given", cfg.Provider)
	}

	opts := []openaicompat.Option{openaicompat.WithName(cfg.Provider)}
	if cfg.Temperature != nil {
		opts = append(opts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		opts = append(opts, openaicompat.WithTopP(*cfg.TopP))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, opts...), nil
}

// EmbeddingProvider creates a conductor.EmbeddingProvider from cfg.
func EmbeddingProvider(cfg EmbeddingConfig) (conductor.EmbeddingProvider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("resolve: unknown embedding provider %q and no base_url given", cfg.Provider)
	}
	return openaicompat.NewEmbedding(cfg.APIKey, cfg.Model, baseURL, cfg.Dimensions), nil
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "gemini":
		return "https://generativelanguage.googleapis.com/v1beta/openai"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
