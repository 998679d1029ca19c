package services

import (
	"context"
	"fmt"
	"os"

	"mensajia-wa-inbox/models"
)

// Chat roles used across providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the canonical message shape handed to providers. Each
// provider maps it to its own wire format.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is the input for one LLM call.
type GenerateRequest struct {
	Messages    []ChatMessage
	Model       string
	Temperature float32
	MaxTokens   int
}

// GenerateResult is the normalized output of one LLM call.
type GenerateResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
	EstimatedCost    float64
}

// LLMProvider is the interface all AI providers must implement.
type LLMProvider interface {
	// Generate sends the canonical message list to the LLM and returns the
	// normalized response with token usage and estimated cost.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
}

// GetLLMProvider builds the provider selected by the bot's discriminator
// field. A per-bot API key overrides the environment default; a provider
// with no key at all is a configuration error, surfaced before any call.
func GetLLMProvider(bot *models.BotConfig) (LLMProvider, error) {
	apiKey := ""
	if bot.APIKey != nil {
		apiKey = *bot.APIKey
	}

	switch bot.Provider {
	case "openai", "":
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("openai API key not configured: set OPENAI_API_KEY or a per-bot key")
		}
		return NewOpenAIProvider(apiKey), nil

	case "anthropic":
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic API key not configured: set ANTHROPIC_API_KEY or a per-bot key")
		}
		return NewAnthropicProvider(apiKey), nil

	case "gemini":
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini API key not configured: set GEMINI_API_KEY or a per-bot key")
		}
		return NewGeminiProvider(apiKey)

	default:
		return nil, fmt.Errorf("unsupported provider: %s (valid options: openai, anthropic, gemini)", bot.Provider)
	}
}
