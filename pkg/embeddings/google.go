package embeddings

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// DefaultDimension matches the vector column of the findings table.
const DefaultDimension = 1536

// Embedder turns text into vectors.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// GoogleEmbedder wraps Gemini embeddings
type GoogleEmbedder struct {
	client    *genai.Client
	model     string
	dimension int32
}

// NewGoogleEmbedder reuses an existing Gemini API client.
func NewGoogleEmbedder(client *genai.Client, model string, dimension int) *GoogleEmbedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &GoogleEmbedder{
		client:    client,
		model:     model,
		dimension: int32(dimension),
	}
}

// EmbedText generates embeddings for a single text
func (e *GoogleEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts embeds texts in a single request.
func (e *GoogleEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.embed(ctx, texts)
}

func (e *GoogleEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, &genai.Content{Parts: []*genai.Part{{Text: text}}})
	}

	dim := e.dimension
	res, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}

	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(res.Embeddings))
	}
	out := make([][]float32, 0, len(texts))
	for _, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("empty embedding returned")
		}
		out = append(out, emb.Values)
	}
	return out, nil
}
