package models

import (
	"context"
	"fmt"

	"github.com/quietlabs/valet/internal/config"
)

// CompletionRequest is one model invocation.
type CompletionRequest struct {
	System string
	Prompt string
	Params Params
}

// Provider abstracts a chat completion backend. Implementations must honor
// ctx cancellation.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// NewProvider constructs the configured backend.
func NewProvider(cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "", "openai":
		return newOpenAIProvider(cfg), nil
	case "anthropic":
		return newAnthropicProvider(cfg), nil
	default:
		return nil, &config.ConfigurationError{
			Field:  "provider.type",
			Reason: fmt.Sprintf("unknown provider %q", cfg.Type),
		}
	}
}
