// Package llm provides clients for the external reasoning services the
// pipeline stages invoke. All providers share one interface; callers pass
// a context and get a completion or an error, never a panic.
package llm

import (
	"context"
	"strings"
	"time"
)

// Client is the reasoning-service boundary. Calls block until the provider
// answers, the context ends, or the client's own timeout fires.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	GetModel() string
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider  string // groq | openai | gemini | any OpenAI-compatible gateway
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// New builds the client for cfg.Provider. Unknown providers are assumed
// to speak the OpenAI chat-completions protocol.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "gemini", "google":
		return NewGeminiClient(ctx, cfg)
	default:
		return NewOpenAIClient(cfg), nil
	}
}
