package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GroundedResponse is the text of a search-grounded generation together with
// its attribution data. Metadata is nil when the provider returned none.
type GroundedResponse struct {
	Text     string
	Metadata *GroundingMetadata
}

// Searcher performs one grounded web search call.
type Searcher interface {
	Search(ctx context.Context, model, prompt string) (*GroundedResponse, error)
}

// GeminiSearcher runs searches through Gemini with the Google Search tool
// enabled.
type GeminiSearcher struct {
	Client      *genai.Client
	Temperature float32
}

// NewGeminiSearcher creates a searcher on top of an existing genai client.
func NewGeminiSearcher(client *genai.Client) *GeminiSearcher {
	return &GeminiSearcher{Client: client, Temperature: 0.3}
}

func (g *GeminiSearcher) Search(ctx context.Context, model, prompt string) (*GroundedResponse, error) {
	resp, err := g.Client.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
		Tools:       []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
		Temperature: genai.Ptr(g.Temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("grounded generation failed: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("grounded generation returned no candidates")
	}

	out := &GroundedResponse{Text: resp.Text()}
	md := resp.Candidates[0].GroundingMetadata
	if md == nil {
		return out, nil
	}

	converted := &GroundingMetadata{}
	for _, chunk := range md.GroundingChunks {
		var c GroundingChunk
		if chunk != nil && chunk.Web != nil {
			c = GroundingChunk{URI: chunk.Web.URI, Title: chunk.Web.Title}
		}
		// Keep the slot even when empty so support indices stay aligned.
		converted.Chunks = append(converted.Chunks, c)
	}
	for _, support := range md.GroundingSupports {
		if support == nil {
			continue
		}
		s := GroundingSupport{}
		if support.Segment != nil {
			s.HasSegment = true
			s.StartIndex = int(support.Segment.StartIndex)
			s.EndIndex = int(support.Segment.EndIndex)
		}
		for _, idx := range support.GroundingChunkIndices {
			s.ChunkIndices = append(s.ChunkIndices, int(idx))
		}
		converted.Supports = append(converted.Supports, s)
	}
	out.Metadata = converted
	return out, nil
}

// SearchTask is the input of one search branch.
type SearchTask struct {
	ID    int
	Query string
	Batch int
}

// DispatchSearches creates one task per planned query. Ids are 0..n-1
// within the batch.
func DispatchSearches(queries []string, batch int) []SearchTask {
	tasks := make([]SearchTask, 0, len(queries))
	for i, q := range queries {
		tasks = append(tasks, SearchTask{ID: i, Query: q, Batch: batch})
	}
	return tasks
}

// WebSearch runs one search branch. It never returns an error: a failed or
// timed out search yields a degraded result so the other branches and the
// rest of the turn can proceed.
func (s *Stages) WebSearch(ctx context.Context, turn *Turn, task SearchTask) (result BranchResult) {
	log := turn.logger().With("stage", StageSearch, "branch", task.ID, "batch", task.Batch)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Search branch panicked", "panic", r)
			result = degradedResult(task, "request failed", fmt.Errorf("panic: %v", r))
		}
	}()

	timeout := turn.Config.SearchTimeout
	if timeout <= 0 {
		timeout = DefaultSearchTimeout
	}
	searchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := s.Searcher.Search(searchCtx, turn.Config.SearchModel, webSearchPrompt(task.Query))
	if err != nil {
		reason := "request failed"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(searchCtx.Err(), context.DeadlineExceeded) {
			reason = "timed out"
		}
		log.Warn("Search failed", "query", task.Query, "reason", reason, "error", err)
		return degradedResult(task, reason, err)
	}
	if resp == nil {
		return degradedResult(task, "request failed", errors.New("empty response"))
	}

	if resp.Metadata == nil || len(resp.Metadata.Chunks) == 0 {
		log.Info("Search returned no grounding", "query", task.Query)
		return BranchResult{ID: task.ID, Query: task.Query, Text: resp.Text, Sources: []Source{}}
	}

	resolver := NewResolver(turn.Config.ShortURLPrefix, turn.ShortID(), task.Batch, task.ID)
	aliases := resolver.ResolveChunks(resp.Metadata.Chunks)
	titles := make(map[string]string, len(resp.Metadata.Chunks))
	for _, c := range resp.Metadata.Chunks {
		if c.URI != "" && c.Title != "" {
			titles[c.URI] = c.Title
		}
	}

	citations := BuildCitations(resp.Metadata, aliases)
	text := InsertCitationMarkers(resp.Text, citations)
	sources := SourcesFromCitations(citations, titles, task.ID)
	if sources == nil {
		sources = []Source{}
	}

	log.Info("Search complete", "query", task.Query, "sources", len(sources), "citations", len(citations))
	return BranchResult{ID: task.ID, Query: task.Query, Text: text, Sources: sources}
}

func degradedResult(task SearchTask, reason string, err error) BranchResult {
	return BranchResult{
		ID:       task.ID,
		Query:    task.Query,
		Text:     fmt.Sprintf("[search unavailable for %q: %s]", strings.TrimSpace(task.Query), reason),
		Sources:  []Source{},
		Degraded: true,
		Err:      err.Error(),
	}
}
