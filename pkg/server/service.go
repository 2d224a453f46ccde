package server

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mikeboe/product-recommender/pkg/agent"
	"github.com/mikeboe/product-recommender/pkg/checkpoint"
	"github.com/mikeboe/product-recommender/pkg/database"
	"github.com/mikeboe/product-recommender/pkg/memory"
	"github.com/mikeboe/product-recommender/pkg/metrics"
)

// RunStore records turns and their logs. *database.PostgresDB implements it.
type RunStore interface {
	RunLogWriter
	CreateRun(ctx context.Context, id uuid.UUID, threadID, message string) error
	FinishRun(ctx context.Context, id uuid.UUID, res database.RunResult) error
	GetRun(ctx context.Context, id uuid.UUID) (*database.Run, error)
	ListRuns(ctx context.Context, threadID string) ([]database.Run, error)
	GetRunLogs(ctx context.Context, runID uuid.UUID) ([]database.LogEntry, error)
}

// FindingsBrowser lists and deletes the research findings stored for a
// thread. *memory.Findings implements it.
type FindingsBrowser interface {
	List(ctx context.Context, threadID string) ([]memory.Finding, error)
	Forget(ctx context.Context, threadID string) (int64, error)
}

// Service drives conversation turns: it loads the thread checkpoint, runs
// the graph and saves the result.
type Service struct {
	Graph       *agent.Graph
	Checkpoints checkpoint.Store
	// Runs is optional; without it turns are not recorded.
	Runs RunStore
	// Findings is optional; it is set when findings memory is enabled.
	Findings FindingsBrowser
	Cfg      agent.Config
	Logger *slog.Logger

	locks threadLocks
}

func NewService(graph *agent.Graph, checkpoints checkpoint.Store, runs RunStore, cfg agent.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Graph:       graph,
		Checkpoints: checkpoints,
		Runs:        runs,
		Cfg:         cfg,
		Logger:      logger,
	}
}

// ChatRequest is one user turn.
type ChatRequest struct {
	Message          string      `json:"message"`
	ThreadID         string      `json:"thread_id,omitempty"`
	MaxSearchQueries *int        `json:"max_search_queries,omitempty"`
	MaxSearchLoops   *int        `json:"max_search_loops,omitempty"`
	Mode             *agent.Mode `json:"mode,omitempty"`
}

// SourceRef is a source cited by the final answer.
type SourceRef struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	ShortURL string `json:"short_url,omitempty"`
}

// ChatResponse is the result of a completed turn.
type ChatResponse struct {
	Message           string      `json:"message"`
	ThreadID          string      `json:"thread_id"`
	RunID             string      `json:"run_id"`
	Sources           []SourceRef `json:"sources"`
	ProcessingTime    float64     `json:"processing_time"`
	SearchQueriesUsed []string    `json:"search_queries_used"`
	IsClarification   bool        `json:"is_clarification"`
}

// FailureMessage is the only failure detail shown to callers; the cause
// goes to the logs.
const FailureMessage = "failed to process the request, please retry"

// TurnError reports a turn that failed after it started. The caller may
// retry the whole turn.
type TurnError struct {
	RunID    string
	ThreadID string
	Err      error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %s failed: %v", e.RunID, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

type preparedTurn struct {
	message  string
	threadID string
	cfg      agent.Config
}

// prepare rejects invalid requests before anything runs.
func (s *Service) prepare(req ChatRequest) (preparedTurn, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return preparedTurn{}, fmt.Errorf("%w: message must not be empty", agent.ErrInvalidInput)
	}
	cfg, err := s.Cfg.WithOverrides(agent.Overrides{
		MaxSearchQueries: req.MaxSearchQueries,
		MaxSearchLoops:   req.MaxSearchLoops,
		Mode:             req.Mode,
	})
	if err != nil {
		return preparedTurn{}, err
	}
	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		threadID = "thread-" + uuid.NewString()
	}
	return preparedTurn{message: msg, threadID: threadID, cfg: cfg}, nil
}

// Chat runs one turn to completion.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	p, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, p, nil)
}

// StreamEvent is one server-sent event of a streamed turn.
type StreamEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ChatStream runs one turn and yields graph events followed by a "final"
// event carrying the ChatResponse. Invalid requests fail before streaming.
func (s *Service) ChatStream(ctx context.Context, req ChatRequest) (iter.Seq2[StreamEvent, error], error) {
	p, err := s.prepare(req)
	if err != nil {
		return nil, err
	}

	return func(yield func(StreamEvent, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		type result struct {
			resp *ChatResponse
			err  error
		}
		events := make(chan agent.Event, 16)
		done := make(chan result, 1)

		go func() {
			resp, err := s.run(ctx, p, func(e agent.Event) {
				select {
				case events <- e:
				case <-ctx.Done():
				}
			})
			close(events)
			done <- result{resp, err}
		}()

		for e := range events {
			if !yield(StreamEvent{Type: string(e.Type), Payload: e}, nil) {
				cancel()
				for range events {
				}
				<-done
				return
			}
		}

		r := <-done
		if r.err != nil {
			yield(StreamEvent{}, r.err)
			return
		}
		yield(StreamEvent{Type: "final", Payload: r.resp}, nil)
	}, nil
}

func (s *Service) run(ctx context.Context, p preparedTurn, onEvent func(agent.Event)) (*ChatResponse, error) {
	unlock, err := s.locks.lock(ctx, p.threadID)
	if err != nil {
		return nil, fmt.Errorf("waiting for thread %s: %w", p.threadID, err)
	}
	defer unlock()

	started := time.Now()
	turn := agent.NewTurn(p.threadID, p.cfg, s.Logger)
	runID := uuid.MustParse(turn.ID)
	fail := func(err error) error {
		metrics.RecordTurn(metrics.OutcomeFailed, time.Since(started).Seconds(), 0)
		turn.Logger.Error("Turn failed", "error", err)
		s.finishRun(runID, database.RunResult{Status: database.RunFailed, Duration: time.Since(started)})
		return &TurnError{RunID: turn.ID, ThreadID: p.threadID, Err: err}
	}

	if s.Runs != nil {
		if err := s.Runs.CreateRun(ctx, runID, p.threadID, p.message); err != nil {
			s.Logger.Warn("Failed to record run", "run_id", turn.ID, "error", err)
		} else {
			logger := slog.New(NewRunLogHandler(s.Runs, runID, s.Logger.Handler()))
			turn.Logger = logger.With("run_id", turn.ID, "thread_id", p.threadID)
		}
	}

	state, err := s.Checkpoints.Load(ctx, p.threadID)
	if err != nil {
		return nil, fail(fmt.Errorf("load checkpoint: %w", err))
	}
	if state == nil {
		state = agent.NewConversationState()
	}
	state.BeginTurn(p.message)
	turn.Logger.Info("Turn started", "message", p.message, "history", len(state.Messages)-1)

	observe := func(e agent.Event) {
		metrics.ObserveEvent(e)
		if onEvent != nil {
			onEvent(e)
		}
	}
	if err := s.Graph.Invoke(ctx, turn, state, observe); err != nil {
		return nil, fail(err)
	}

	if err := s.Checkpoints.Save(ctx, p.threadID, state); err != nil {
		// The turn still succeeds without a checkpoint.
		turn.Logger.Error("Failed to save checkpoint", "error", err)
	}

	elapsed := time.Since(started)
	outcome, status := metrics.OutcomeCompleted, database.RunCompleted
	if state.IsClarification {
		outcome, status = metrics.OutcomeClarification, database.RunClarification
	}
	metrics.RecordTurn(outcome, elapsed.Seconds(), state.SearchLoopCount)

	resp := buildResponse(turn.ID, p.threadID, state, elapsed)
	s.finishRun(runID, database.RunResult{
		Status:   status,
		Response: resp.Message,
		Sources:  resp.Sources,
		Queries:  resp.SearchQueriesUsed,
		Duration: elapsed,
	})
	return resp, nil
}

func (s *Service) finishRun(runID uuid.UUID, res database.RunResult) {
	if s.Runs == nil {
		return
	}
	// The run is finished even when the request context is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Runs.FinishRun(ctx, runID, res); err != nil {
		s.Logger.Warn("Failed to finish run record", "run_id", runID, "error", err)
	}
}

func buildResponse(runID, threadID string, state *agent.ConversationState, elapsed time.Duration) *ChatResponse {
	sources := make([]SourceRef, 0, len(state.SourcesUsed))
	for _, src := range state.SourcesUsed {
		sources = append(sources, SourceRef{Title: src.Title, URL: src.URL, ShortURL: src.ShortURL})
	}
	queries := state.SearchQueries
	if queries == nil {
		queries = []string{}
	}
	return &ChatResponse{
		Message:           state.ResponseToUser,
		ThreadID:          threadID,
		RunID:             runID,
		Sources:           sources,
		ProcessingTime:    elapsed.Seconds(),
		SearchQueriesUsed: queries,
		IsClarification:   state.IsClarification,
	}
}

// Messages returns the conversation history of a thread, or nil when the
// thread is unknown.
func (s *Service) Messages(ctx context.Context, threadID string) ([]agent.Message, error) {
	state, err := s.Checkpoints.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, nil
	}
	msgs := state.Messages
	if msgs == nil {
		msgs = []agent.Message{}
	}
	return msgs, nil
}

// ErrRunsDisabled is returned by run queries when no run store is configured.
var ErrRunsDisabled = errors.New("run history is not enabled")

func (s *Service) ListRuns(ctx context.Context, threadID string) ([]database.Run, error) {
	if s.Runs == nil {
		return nil, ErrRunsDisabled
	}
	return s.Runs.ListRuns(ctx, threadID)
}

func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*database.Run, error) {
	if s.Runs == nil {
		return nil, ErrRunsDisabled
	}
	return s.Runs.GetRun(ctx, id)
}

func (s *Service) GetRunLogs(ctx context.Context, id uuid.UUID) ([]database.LogEntry, error) {
	if s.Runs == nil {
		return nil, ErrRunsDisabled
	}
	return s.Runs.GetRunLogs(ctx, id)
}

// ErrFindingsDisabled is returned by findings queries when findings memory
// is not configured.
var ErrFindingsDisabled = errors.New("findings memory is not enabled")

func (s *Service) ListFindings(ctx context.Context, threadID string) ([]memory.Finding, error) {
	if s.Findings == nil {
		return nil, ErrFindingsDisabled
	}
	return s.Findings.List(ctx, threadID)
}

func (s *Service) ForgetFindings(ctx context.Context, threadID string) (int64, error) {
	if s.Findings == nil {
		return 0, ErrFindingsDisabled
	}
	return s.Findings.Forget(ctx, threadID)
}

// threadLocks serializes turns of the same thread.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	// slot holds one token while a turn of the thread runs.
	slot chan struct{}
	refs int
}

// lock waits until no other turn of threadID runs, or until ctx ends.
func (l *threadLocks) lock(ctx context.Context, threadID string) (unlock func(), err error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*threadLock)
	}
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{slot: make(chan struct{}, 1)}
		l.locks[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.slot <- struct{}{}:
	case <-ctx.Done():
		l.release(threadID, tl)
		return nil, ctx.Err()
	}
	return func() {
		<-tl.slot
		l.release(threadID, tl)
	}, nil
}

func (l *threadLocks) release(threadID string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, threadID)
	}
}
