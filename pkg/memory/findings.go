// Package memory keeps the research findings of a thread in a vector store
// so later turns can build on earlier searches.
package memory

import (
	"context"
	"fmt"

	"github.com/mikeboe/product-recommender/pkg/agent"
	"github.com/mikeboe/product-recommender/pkg/embeddings"
	"github.com/mikeboe/product-recommender/pkg/vectorstore"
)

// VectorStore is the part of the pgvector store findings need.
type VectorStore interface {
	AddDocuments(ctx context.Context, docs []vectorstore.Document) error
	SimilaritySearch(ctx context.Context, queryEmbedding []float32, topK int, filter map[string]interface{}) ([]vectorstore.SimilaritySearchResult, error)
	FindByMetadata(ctx context.Context, filter map[string]interface{}) ([]vectorstore.Document, error)
	DeleteByMetadata(ctx context.Context, filter map[string]interface{}) (int64, error)
}

// Finding is one stored chunk of a thread's research.
type Finding struct {
	Query      string   `json:"query"`
	BranchID   int      `json:"branch_id"`
	ChunkIndex int      `json:"chunk_index"`
	Content    string   `json:"content"`
	SourceURLs []string `json:"source_urls"`
}

// Splitter chunks long research text before it is embedded.
type Splitter interface {
	SplitText(text string) ([]string, error)
}

// Findings implements agent.FindingsMemory.
type Findings struct {
	store    VectorStore
	embedder embeddings.Embedder
	splitter Splitter
	// MinScore drops recalled chunks less similar than this.
	MinScore float64
}

var _ agent.FindingsMemory = (*Findings)(nil)

func NewFindings(store VectorStore, embedder embeddings.Embedder, splitter Splitter) *Findings {
	return &Findings{store: store, embedder: embedder, splitter: splitter, MinScore: 0.5}
}

// Remember splits, embeds and stores the text of each branch.
func (f *Findings) Remember(ctx context.Context, threadID string, findings []agent.BranchResult) error {
	var docs []vectorstore.Document
	var texts []string
	for _, r := range findings {
		chunks, err := f.splitter.SplitText(r.Text)
		if err != nil {
			return fmt.Errorf("failed to split findings: %w", err)
		}
		for i, chunk := range chunks {
			texts = append(texts, chunk)
			docs = append(docs, vectorstore.Document{
				Content: chunk,
				Metadata: map[string]interface{}{
					"thread_id":   threadID,
					"query":       r.Query,
					"branch_id":   r.ID,
					"chunk_index": i,
					"source_urls": sourceURLs(r.Sources),
				},
			})
		}
	}
	if len(docs) == 0 {
		return nil
	}

	vectors, err := f.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed findings: %w", err)
	}
	for i := range docs {
		docs[i].Embedding = vectors[i]
	}

	if err := f.store.AddDocuments(ctx, docs); err != nil {
		return fmt.Errorf("failed to store findings: %w", err)
	}
	return nil
}

// Recall returns up to k stored chunks of threadID most similar to query.
func (f *Findings) Recall(ctx context.Context, threadID, query string, k int) ([]string, error) {
	vector, err := f.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := f.store.SimilaritySearch(ctx, vector, k, map[string]interface{}{"thread_id": threadID})
	if err != nil {
		return nil, err
	}

	var out []string
	for _, r := range results {
		if r.Score < f.MinScore {
			continue
		}
		out = append(out, r.Document.Content)
	}
	return out, nil
}

// List returns every stored chunk of threadID in insertion order.
func (f *Findings) List(ctx context.Context, threadID string) ([]Finding, error) {
	docs, err := f.store.FindByMetadata(ctx, map[string]interface{}{"thread_id": threadID})
	if err != nil {
		return nil, err
	}
	out := make([]Finding, 0, len(docs))
	for _, d := range docs {
		out = append(out, findingFromDocument(d))
	}
	return out, nil
}

// Forget deletes the stored findings of threadID.
func (f *Findings) Forget(ctx context.Context, threadID string) (int64, error) {
	if threadID == "" {
		return 0, fmt.Errorf("thread id is required")
	}
	return f.store.DeleteByMetadata(ctx, map[string]interface{}{"thread_id": threadID})
}

// findingFromDocument reads metadata decoded from JSONB, where numbers
// arrive as float64 and lists as []interface{}.
func findingFromDocument(d vectorstore.Document) Finding {
	f := Finding{Content: d.Content, SourceURLs: []string{}}
	if q, ok := d.Metadata["query"].(string); ok {
		f.Query = q
	}
	f.BranchID = intValue(d.Metadata["branch_id"])
	f.ChunkIndex = intValue(d.Metadata["chunk_index"])
	switch urls := d.Metadata["source_urls"].(type) {
	case []string:
		f.SourceURLs = append(f.SourceURLs, urls...)
	case []interface{}:
		for _, u := range urls {
			if s, ok := u.(string); ok {
				f.SourceURLs = append(f.SourceURLs, s)
			}
		}
	}
	return f
}

func intValue(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func sourceURLs(sources []agent.Source) []string {
	urls := make([]string, 0, len(sources))
	for _, s := range sources {
		urls = append(urls, s.URL)
	}
	return urls
}
