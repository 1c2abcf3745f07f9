package provider

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/newschat/config"
	openai_provider "github.com/mohammad-safakhou/newschat/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
)

// Provider is the interface that all LLM implementations must satisfy
type Provider interface {
	// Completion returns the whole completion for a single prompt.
	Completion(ctx context.Context, prompt string) (string, error)
	// CompletionStream generates a completion incrementally, invoking onDelta
	// for every text fragment in arrival order. It returns the concatenated text.
	CompletionStream(ctx context.Context, prompt string, onDelta func(string)) (string, error)
	// CreateEmbedding embeds the given texts, index-aligned with the input.
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrNoAPIKey is returned when the provider has no credential configured.
var ErrNoAPIKey = openai_provider.ErrNoAPIKey

// NewProvider creates a new LLM client based on the provided configuration
func NewProvider(client Client, cfg config.LLMConfig) (Provider, error) {
	switch client {
	case OpenAI:
		return openai_provider.NewOpenAIClient(
			cfg.APIKey,
			cfg.BaseURL,
			cfg.CompletionModel,
			cfg.EmbeddingModel,
			cfg.Temperature,
			cfg.MaxTokens,
			cfg.Timeout,
		), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}
