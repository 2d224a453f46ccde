package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// generateWithRetry calls the model and checks the answer with validator.
// It retries up to s.MaxRetries times with a linear backoff when the call
// fails or the validator rejects the content.
func (s *Stages) generateWithRetry(ctx context.Context, turn *Turn, model string, prompts []llms.MessageContent, validator func(string) error, opts ...llms.CallOption) (string, error) {
	maxRetries := s.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	var lastErr error

	opts = append(opts, llms.WithModel(model))

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			turn.logger().Warn("Retrying LLM generation", "attempt", i+1, "model", model, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(s.RetryDelay * time.Duration(i)):
			}
		}

		resp, err := s.LLM.GenerateContent(ctx, prompts, opts...)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = fmt.Errorf("llm generation failed: %w", err)
			continue
		}

		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("llm returned no choices")
			continue
		}

		content := resp.Choices[0].Content
		if err := validator(content); err != nil {
			lastErr = fmt.Errorf("validation failed: %w", err)
			continue
		}

		return content, nil
	}

	return "", fmt.Errorf("operation failed after %d retries: %w", maxRetries, lastErr)
}

// generateJSON runs generateWithRetry in JSON mode and decodes into out.
func (s *Stages) generateJSON(ctx context.Context, turn *Turn, model string, prompts []llms.MessageContent, temperature float64, decode func(string) error) error {
	_, err := s.generateWithRetry(ctx, turn, model, prompts, func(content string) error {
		return decode(cleanJSON(content))
	}, llms.WithJSONMode(), llms.WithTemperature(temperature))
	return err
}

// cleanJSON strips the markdown fences some models wrap around JSON even
// in JSON mode.
func cleanJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
	}
	return strings.TrimSpace(content)
}

func systemAndHuman(system, human string) []llms.MessageContent {
	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, human),
	}
}
