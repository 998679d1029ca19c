package services

import "math"

// ModelPrice is USD per 1M tokens.
type ModelPrice struct {
	Input  float64
	Output float64
}

// tokenCosts maps model id to pricing. Update as provider pricing changes.
var tokenCosts = map[string]ModelPrice{
	// OpenAI models
	"gpt-4o":      {Input: 2.50, Output: 10.00},
	"gpt-4o-mini": {Input: 0.15, Output: 0.60},
	"gpt-4-turbo": {Input: 10.00, Output: 30.00},
	// Anthropic models
	"claude-opus-4-20250514":   {Input: 15.00, Output: 75.00},
	"claude-sonnet-4-20250514": {Input: 3.00, Output: 15.00},
	"claude-haiku-4-20250506":  {Input: 0.80, Output: 4.00},
	// Gemini models
	"gemini-2.5-flash": {Input: 0.30, Output: 2.50},
	"gemini-2.5-pro":   {Input: 1.25, Output: 10.00},
}

// defaultPriceModel is used when a model is missing from the table.
const defaultPriceModel = "gpt-4o"

// EstimateCost computes the USD cost of one LLM call, rounded to 6 decimals.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	costs, ok := tokenCosts[model]
	if !ok {
		costs = tokenCosts[defaultPriceModel]
	}
	inputCost := float64(promptTokens) / 1_000_000 * costs.Input
	outputCost := float64(completionTokens) / 1_000_000 * costs.Output
	return math.Round((inputCost+outputCost)*1e6) / 1e6
}
