package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiProvider wraps the Google Gemini API client.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates the provider with the given API key.
func NewGeminiProvider(apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{
		client: client,
		model:  defaultGeminiModel,
	}, nil
}

// Generate sends the messages and returns the normalized response.
// Gemini has no explicit system role here, so the system prompt and prior
// turns are flattened into a single transcript prompt.
func (p *GeminiProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var prompt strings.Builder
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			prompt.WriteString(m.Content)
			prompt.WriteString("\n\n")
		case RoleUser:
			prompt.WriteString("Customer: ")
			prompt.WriteString(m.Content)
			prompt.WriteString("\n")
		case RoleAssistant:
			prompt.WriteString("Assistant: ")
			prompt.WriteString(m.Content)
			prompt.WriteString("\n")
		}
	}
	prompt.WriteString("Assistant:")

	start := time.Now()

	result, err := p.client.Models.GenerateContent(ctx, model, genai.Text(prompt.String()), nil)
	if err != nil {
		return nil, fmt.Errorf("gemini API error: %w", err)
	}

	responseText := ""
	if result != nil && len(result.Candidates) > 0 {
		responseText = result.Text()
	}
	if responseText == "" {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	promptTokens := 0
	completionTokens := 0
	if result.UsageMetadata != nil {
		promptTokens = int(result.UsageMetadata.PromptTokenCount)
		completionTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}

	log.Printf("[Gemini] Success | model=%s | latency=%dms | in=%d | out=%d",
		model, time.Since(start).Milliseconds(), promptTokens, completionTokens)

	return &GenerateResult{
		Content:          responseText,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Model:            model,
		EstimatedCost:    EstimateCost(model, promptTokens, completionTokens),
	}, nil
}

// Name returns the provider name for logging.
func (p *GeminiProvider) Name() string {
	return "gemini"
}
