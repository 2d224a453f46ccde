package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mikeboe/product-recommender/pkg/agent"
	"github.com/mikeboe/product-recommender/pkg/checkpoint"
	"github.com/mikeboe/product-recommender/pkg/database"
	"github.com/tmc/langchaingo/llms"
)

var errBoom = errors.New("boom")

// stubLLM answers by matching the task described in the system prompt.
type stubLLM struct {
	vague  func(human string) bool
	failOn string
}

func (s *stubLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	system, human := partText(messages, 0), partText(messages, 1)

	var stage, content string
	switch {
	case strings.Contains(system, "specific enough to search"):
		stage = agent.StageValidate
		if s.vague != nil && s.vague(human) {
			content = `{"is_specific": false, "clarification_question": "예산이 어떻게 되시나요?", "user_intent": "", "extracted_requirements": {}}`
		} else {
			content = `{"is_specific": true, "clarification_question": "", "user_intent": "gaming keyboard", "extracted_requirements": {"budget": "100000"}}`
		}
	case strings.Contains(system, "writes web search queries"):
		stage = agent.StagePlan
		content = `{"queries": ["keyboard a", "keyboard b"], "rationale": "angles"}`
	case strings.Contains(system, "evaluates whether product search results"):
		stage = agent.StageReflect
		content = `{"is_sufficient": true, "knowledge_gap": "", "additional_queries": []}`
	default:
		stage = agent.StageSynthesize
		content = "1. Keyboard A"
	}
	if stage == s.failOn {
		return nil, errBoom
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content}}}, nil
}

func (s *stubLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, s, prompt, options...)
}

func partText(messages []llms.MessageContent, i int) string {
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

type stubSearcher struct{}

func (stubSearcher) Search(_ context.Context, _ string, prompt string) (*agent.GroundedResponse, error) {
	text := "Keyboard A costs 89,000 won."
	return &agent.GroundedResponse{
		Text: text,
		Metadata: &agent.GroundingMetadata{
			Chunks: []agent.GroundingChunk{{URI: "https://example.com/a", Title: "example.com"}},
			Supports: []agent.GroundingSupport{
				{StartIndex: 0, EndIndex: len(text), HasSegment: true, ChunkIndices: []int{0}},
			},
		},
	}, nil
}

// memoryRuns is an in-memory RunStore.
type memoryRuns struct {
	mu        sync.Mutex
	runs      map[uuid.UUID]*database.Run
	order     []uuid.UUID
	logs      map[uuid.UUID][]database.LogEntry
	createErr error
}

func newMemoryRuns() *memoryRuns {
	return &memoryRuns{runs: map[uuid.UUID]*database.Run{}, logs: map[uuid.UUID][]database.LogEntry{}}
}

func (m *memoryRuns) CreateRun(_ context.Context, id uuid.UUID, threadID, message string) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.runs[id] = &database.Run{ID: id, ThreadID: threadID, Message: message, Status: database.RunRunning, CreatedAt: now, UpdatedAt: now}
	m.order = append(m.order, id)
	return nil
}

func (m *memoryRuns) FinishRun(_ context.Context, id uuid.UUID, res database.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil
	}
	run.Status = res.Status
	if res.Response != "" {
		resp := res.Response
		run.Response = &resp
	}
	if res.Sources != nil {
		run.Sources, _ = json.Marshal(res.Sources)
	}
	ms := res.Duration.Milliseconds()
	run.DurationMs = &ms
	return nil
}

func (m *memoryRuns) GetRun(_ context.Context, id uuid.UUID) (*database.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *run
	return &cp, nil
}

func (m *memoryRuns) ListRuns(_ context.Context, threadID string) ([]database.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Run
	for _, id := range m.order {
		if run := m.runs[id]; threadID == "" || run.ThreadID == threadID {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (m *memoryRuns) GetRunLogs(_ context.Context, runID uuid.UUID) ([]database.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]database.LogEntry(nil), m.logs[runID]...), nil
}

func (m *memoryRuns) InsertRunLog(_ context.Context, runID uuid.UUID, ts time.Time, level, message string, metadata []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[runID] = append(m.logs[runID], database.LogEntry{
		ID:        len(m.logs[runID]) + 1,
		Timestamp: ts,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
	})
	return nil
}

func newTestService(t *testing.T, llm *stubLLM, runs RunStore) *Service {
	t.Helper()
	stages := agent.NewStages(llm, stubSearcher{}, nil)
	stages.RetryDelay = time.Millisecond
	cfg := agent.DefaultConfig()
	cfg.ShortURLPrefix = "https://s.test/ref"
	return NewService(agent.NewGraph(stages), checkpoint.NewMemoryStore(), runs, cfg, nil)
}

func vagueKeyboard(human string) bool {
	return strings.HasSuffix(strings.TrimSpace(human), "키보드 추천해줘")
}
