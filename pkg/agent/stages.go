package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
)

const defaultClarification = "어떤 용도로 사용하실 제품인지, 예산이나 선호하는 브랜드가 있는지 알려주시면 더 정확하게 추천해 드릴게요."

// FindingsMemory keeps research findings of earlier turns of a thread.
type FindingsMemory interface {
	Remember(ctx context.Context, threadID string, findings []BranchResult) error
	Recall(ctx context.Context, threadID, query string, k int) ([]string, error)
}

// Stages holds the collaborators every stage needs. It is built once and
// shared by all turns.
type Stages struct {
	LLM      llms.Model
	Searcher Searcher
	// Memory is optional.
	Memory FindingsMemory

	MaxRetries int
	RetryDelay time.Duration
}

// NewStages wires the stage functions to their model and search
// capabilities.
func NewStages(llm llms.Model, searcher Searcher, memory FindingsMemory) *Stages {
	return &Stages{
		LLM:        llm,
		Searcher:   searcher,
		Memory:     memory,
		MaxRetries: defaultMaxRetries,
		RetryDelay: defaultRetryDelay,
	}
}

// Validate decides whether the request is specific enough to search. A
// vague request yields a clarification question in ResponseToUser.
func (s *Stages) Validate(ctx context.Context, turn *Turn, state *ConversationState) (StateUpdate, error) {
	log := turn.logger().With("stage", StageValidate)
	topic := state.Topic(turn.Config.HistoryWindow)

	system, human := validationPrompt(topic)
	var result ValidationResult
	err := s.generateJSON(ctx, turn, turn.Config.ValidationModel, systemAndHuman(system, human), 0.1, func(content string) error {
		result = ValidationResult{}
		if err := json.Unmarshal([]byte(content), &result); err != nil {
			return fmt.Errorf("json parse error: %w (content: %s)", err, content)
		}
		return nil
	})
	if err != nil {
		return StateUpdate{}, stageErr(StageValidate, err)
	}

	intent := strings.TrimSpace(result.UserIntent)
	if intent == "" && len(result.ExtractedRequirements) > 0 {
		intent = result.ExtractedRequirements.String()
	}
	if intent == "" {
		intent = state.LatestUserMessage()
	}

	upd := StateUpdate{
		IsRequestSpecific: ptr(result.IsSpecific),
		UserIntent:        ptr(intent),
		Requirements:      map[string]string(result.ExtractedRequirements),
		IsClarification:   ptr(!result.IsSpecific),
	}
	if !result.IsSpecific {
		question := strings.TrimSpace(result.ClarificationQuestion)
		if question == "" {
			question = defaultClarification
		}
		upd.ResponseToUser = ptr(question)
		upd.AppendMessages = []Message{{Role: RoleAssistant, Content: question}}
	}

	log.Info("Request validated", "is_specific", result.IsSpecific, "intent", intent)
	return upd, nil
}

// PlanQueries produces the next batch of search queries. Follow-up queries
// proposed by reflection are used as they are; otherwise the model writes
// a fresh batch. The batch is never empty.
func (s *Stages) PlanQueries(ctx context.Context, turn *Turn, state *ConversationState) (StateUpdate, error) {
	log := turn.logger().With("stage", StagePlan)
	maxQueries := turn.Config.MaxSearchQueries

	if state.SearchLoopCount > 0 && len(state.AdditionalQueries) > 0 {
		queries := normalizeQueries(state.AdditionalQueries, maxQueries)
		if len(queries) > 0 {
			log.Info("Using follow-up queries from reflection", "queries", queries)
			return StateUpdate{PlannedQueries: queries}, nil
		}
	}

	topic := state.Topic(turn.Config.HistoryWindow)
	system, human := queryPrompt(topic, state.UserIntent, state.Requirements, state.SearchQueries, maxQueries)

	var result SearchQueryResult
	err := s.generateJSON(ctx, turn, turn.Config.QueryModel, systemAndHuman(system, human), 0.7, func(content string) error {
		result = SearchQueryResult{}
		if err := json.Unmarshal([]byte(content), &result); err != nil {
			return fmt.Errorf("json parse error: %w (content: %s)", err, content)
		}
		return nil
	})
	if err != nil {
		return StateUpdate{}, stageErr(StagePlan, err)
	}

	queries := normalizeQueries(result.Queries, maxQueries)
	if len(queries) == 0 {
		fallback := state.LatestUserMessage()
		if fallback == "" {
			fallback = state.UserIntent
		}
		log.Warn("Model returned no usable queries, searching the request itself", "query", fallback)
		queries = []string{fallback}
	}

	log.Info("Generated queries", "queries", queries, "rationale", result.Rationale)
	return StateUpdate{PlannedQueries: queries}, nil
}

// normalizeQueries trims, drops empty and duplicate queries, and caps the
// batch at limit.
func normalizeQueries(queries []string, limit int) []string {
	out := make([]string, 0, len(queries))
	seen := make(map[string]bool, len(queries))
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Reflect judges whether the research so far answers the request. The loop
// counter is incremented on every call, whatever the verdict.
func (s *Stages) Reflect(ctx context.Context, turn *Turn, state *ConversationState) (StateUpdate, error) {
	log := turn.logger().With("stage", StageReflect)

	system, human := reflectionPrompt(state.Topic(turn.Config.HistoryWindow), state.SearchQueries, joinResearch(state.WebResearchResults))

	var result ReflectionResult
	err := s.generateJSON(ctx, turn, turn.Config.ReflectionModel, systemAndHuman(system, human), 0.1, func(content string) error {
		result = ReflectionResult{}
		if err := json.Unmarshal([]byte(content), &result); err != nil {
			return fmt.Errorf("json parse error: %w (content: %s)", err, content)
		}
		return nil
	})
	if err != nil {
		return StateUpdate{}, stageErr(StageReflect, err)
	}

	additional := []string{}
	if !result.IsSufficient {
		additional = normalizeQueries(result.AdditionalQueries, turn.Config.MaxSearchQueries)
	}

	loops := state.SearchLoopCount + 1
	log.Info("Reflection complete", "is_sufficient", result.IsSufficient, "loop", loops, "additional_queries", additional)
	return StateUpdate{
		IsSufficient:      ptr(result.IsSufficient),
		KnowledgeGap:      ptr(result.KnowledgeGap),
		AdditionalQueries: additional,
		SearchLoopCount:   ptr(loops),
	}, nil
}

// Synthesize writes the final answer, substitutes short aliases with the
// original URLs and keeps only the sources the answer actually cites.
func (s *Stages) Synthesize(ctx context.Context, turn *Turn, state *ConversationState) (StateUpdate, error) {
	log := turn.logger().With("stage", StageSynthesize)
	cfg := turn.Config
	request := state.Topic(cfg.HistoryWindow)

	var earlier string
	if s.Memory != nil && turn.ThreadID != "" {
		recalled, err := s.Memory.Recall(ctx, turn.ThreadID, request, 3)
		if err != nil {
			log.Warn("Failed to recall earlier findings", "error", err)
		} else {
			earlier = strings.Join(recalled, "\n---\n")
		}
	}

	system, human := synthesisPrompt(cfg.Mode, request, joinResearch(state.WebResearchResults), earlier, cfg.MaxRecommendations)
	content, err := s.generateWithRetry(ctx, turn, cfg.AnswerModel, systemAndHuman(system, human), func(content string) error {
		if strings.TrimSpace(content) == "" {
			return fmt.Errorf("empty answer")
		}
		return nil
	}, llms.WithTemperature(0.1))
	if err != nil {
		return StateUpdate{}, stageErr(StageSynthesize, err)
	}

	final, used := ResolveShortURLs(strings.TrimSpace(content), state.SourcesGathered)
	final = SanitizeLinks(final, AllowedURLs(state.SourcesGathered, state.WebResearchResults, cfg.ShortURLPrefix), cfg.ShortURLPrefix)
	if used == nil {
		used = []Source{}
	}

	log.Info("Answer generated", "mode", cfg.Mode, "length", len(final), "sources_used", len(used), "sources_gathered", len(state.SourcesGathered))
	return StateUpdate{
		ResponseToUser:  ptr(final),
		IsClarification: ptr(false),
		SourcesUsed:     used,
		AppendMessages:  []Message{{Role: RoleAssistant, Content: final}},
	}, nil
}

func joinResearch(results []string) string {
	var kept []string
	for _, r := range results {
		if strings.TrimSpace(r) != "" {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return noResultsNotes
	}
	return strings.Join(kept, "\n---\n")
}
