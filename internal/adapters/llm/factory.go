package llm

import (
	"github.com/seclab/aegis/internal/core/domain"
)

// Provider is the union of the collaborator interfaces the kernel needs.
type Provider interface {
	domain.LLMProvider
	domain.Embedder
}

// NewFromConfig builds the decision collaborator from configuration. Local
// mode talks to Ollama's native API; remote mode talks to any
// OpenAI-compatible endpoint.
func NewFromConfig(cfg domain.LLMProviderConfig) Provider {
	if cfg.Mode == "remote" {
		return NewOpenAIProvider(cfg.RemoteURL, cfg.APIKey, cfg.DefaultModel, cfg.EmbeddingModel)
	}
	return NewOllamaProvider(cfg.LocalURL, cfg.DefaultModel, cfg.EmbeddingModel)
}
