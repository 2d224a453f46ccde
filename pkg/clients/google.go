package clients

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/googleai"
	"google.golang.org/genai"
)

// GoogleAi creates the langchaingo chat model used by every non-search
// stage. The model can be overridden per call with llms.WithModel.
func GoogleAi(ctx context.Context, apiKey, defaultModel string) (*googleai.GoogleAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google api key is not set")
	}

	// See https://ai.google.dev/gemini-api/docs/models/gemini for possible models
	llm, err := googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(defaultModel))
	if err != nil {
		return nil, fmt.Errorf("failed to create google ai client: %w", err)
	}

	return llm, nil
}

// GenAI creates the Gemini API client used for grounded search and
// embeddings.
func GenAI(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google api key is not set")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini API client: %w", err)
	}
	return client, nil
}
