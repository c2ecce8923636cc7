package ai

import (
	"context"
	"fmt"
)

// TextGenerator generates text from a system prompt and user prompt.
// Gemini, Ollama and OpenAI-compatible backends implement it.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// NewGenerator builds the generator named by provider. An empty provider
// disables generation and returns nil.
func NewGenerator(provider, baseURL, apiKey, model string) (TextGenerator, error) {
	switch provider {
	case "":
		return nil, nil
	case "gemini":
		client, err := NewGeminiClient(apiKey, baseURL)
		if err != nil {
			return nil, err
		}
		return NewGeminiGenerator(client, model), nil
	case "ollama":
		return NewOllamaGenerator(NewOllamaClient(baseURL), model), nil
	case "openai-compat":
		return NewOpenAICompatGenerator(baseURL, apiKey, model), nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", provider)
	}
}
