package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// scriptedLLM answers each stage by looking at the role line of the system
// prompt. Handlers return the raw model content.
type scriptedLLM struct {
	mu    sync.Mutex
	calls map[string]int

	validate func(human string) (string, error)
	plan     func(system, human string) (string, error)
	reflect  func(n int, human string) (string, error)
	answer   func(system string) (string, error)
}

func (s *scriptedLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	system, human := textOf(messages, 0), textOf(messages, 1)

	var stage string
	switch {
	case strings.HasPrefix(system, validatorRole):
		stage = StageValidate
	case strings.HasPrefix(system, plannerRole):
		stage = StagePlan
	case strings.HasPrefix(system, reflectorRole):
		stage = StageReflect
	case strings.HasPrefix(system, answererRole), strings.HasPrefix(system, reporterRole):
		stage = StageSynthesize
	default:
		return nil, fmt.Errorf("unexpected prompt: %.40s", system)
	}

	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[stage]++
	n := s.calls[stage]
	s.mu.Unlock()

	var content string
	var err error
	switch stage {
	case StageValidate:
		content, err = call(s.validate, func() (string, error) { return specificJSON(), nil }, human)
	case StagePlan:
		if s.plan != nil {
			content, err = s.plan(system, human)
		} else {
			content = mustJSON(SearchQueryResult{Queries: []string{"q1", "q2", "q3"}})
		}
	case StageReflect:
		if s.reflect != nil {
			content, err = s.reflect(n, human)
		} else {
			content = mustJSON(ReflectionResult{IsSufficient: true, AdditionalQueries: []string{}})
		}
	case StageSynthesize:
		if s.answer != nil {
			content, err = s.answer(system)
		} else {
			content = "Top picks"
		}
	}
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content}}}, nil
}

func (s *scriptedLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, s, prompt, options...)
}

func (s *scriptedLLM) count(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}

func call(fn func(string) (string, error), fallback func() (string, error), arg string) (string, error) {
	if fn == nil {
		return fallback()
	}
	return fn(arg)
}

func textOf(messages []llms.MessageContent, i int) string {
	if i >= len(messages) {
		return ""
	}
	var sb strings.Builder
	for _, p := range messages[i].Parts {
		if t, ok := p.(llms.TextContent); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func specificJSON() string {
	return `{"is_specific": true, "clarification_question": "", "user_intent": "budget gaming keyboard", "extracted_requirements": {"category": "keyboard", "budget": "100000"}}`
}

// fakeSearcher returns one grounded response per query.
type fakeSearcher struct {
	mu       sync.Mutex
	calls    int
	inFlight int
	peak     int

	fn func(ctx context.Context, prompt string) (*GroundedResponse, error)
}

func (f *fakeSearcher) Search(ctx context.Context, _ string, prompt string) (*GroundedResponse, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.fn != nil {
		return f.fn(ctx, prompt)
	}
	return groundedFor(queryOf(prompt)), nil
}

func (f *fakeSearcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func queryOf(prompt string) string {
	const marker = "Search topic: "
	if i := strings.LastIndex(prompt, marker); i >= 0 {
		return prompt[i+len(marker):]
	}
	return prompt
}

// groundedFor builds a response citing one page per query.
func groundedFor(query string) *GroundedResponse {
	text := "Findings for " + query + "."
	return &GroundedResponse{
		Text: text,
		Metadata: &GroundingMetadata{
			Chunks: []GroundingChunk{{URI: "https://example.com/" + strings.ReplaceAll(query, " ", "-"), Title: "example.com"}},
			Supports: []GroundingSupport{
				{StartIndex: 0, EndIndex: len(text), HasSegment: true, ChunkIndices: []int{0}},
			},
		},
	}
}

type recordingMemory struct {
	mu         sync.Mutex
	remembered []BranchResult
	recallErr  error
}

func (m *recordingMemory) Remember(_ context.Context, _ string, findings []BranchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remembered = append(m.remembered, findings...)
	return nil
}

func (m *recordingMemory) Recall(context.Context, string, string, int) ([]string, error) {
	if m.recallErr != nil {
		return nil, m.recallErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.remembered {
		out = append(out, r.Text)
	}
	return out, nil
}

var errBoom = errors.New("boom")

func testTurn(t *testing.T, mutate func(*Config)) *Turn {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ShortURLPrefix = "https://s.test/ref"
	if mutate != nil {
		mutate(&cfg)
	}
	return NewTurn("thread-test", cfg, nil)
}

func testStages(llm llms.Model, searcher Searcher) *Stages {
	s := NewStages(llm, searcher, nil)
	s.RetryDelay = time.Millisecond
	return s
}
