package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// End is the terminal node.
const End = "__end__"

// EventType tags graph progress events.
type EventType string

const (
	EventNodeStart EventType = "node_start"
	EventNodeEnd   EventType = "node_end"
	EventBranchEnd EventType = "branch_end"
	EventTurnEnd   EventType = "turn_end"
)

// Event reports graph progress to an observer.
type Event struct {
	Type      EventType     `json:"type"`
	Node      string        `json:"node,omitempty"`
	RunID     string        `json:"run_id"`
	ThreadID  string        `json:"thread_id"`
	Branch    *BranchResult `json:"branch,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Err       string        `json:"error,omitempty"`
	LoopCount int           `json:"loop_count"`
}

// Graph drives a turn through validate, plan, search, reflect and
// synthesize. It holds no per-turn state and can serve concurrent turns.
type Graph struct {
	Stages *Stages
}

func NewGraph(stages *Stages) *Graph {
	return &Graph{Stages: stages}
}

// RouteAfterValidation ends the turn with the clarification question when
// the request is too vague to search.
func RouteAfterValidation(state *ConversationState) string {
	if state.IsRequestSpecific {
		return StagePlan
	}
	return End
}

// RouteAfterReflection loops back to planning while the research is
// insufficient and the loop budget is not spent.
func RouteAfterReflection(state *ConversationState, cfg Config) string {
	if !state.IsSufficient && state.SearchLoopCount < cfg.MaxSearchLoops {
		return StagePlan
	}
	return StageSynthesize
}

// stepLimit is the longest path through the graph: validate and
// synthesize once, plan, search and reflect once per loop.
func stepLimit(cfg Config) int {
	return 2 + 3*cfg.MaxSearchLoops
}

// Invoke runs one turn on state, which must already hold the new user
// message. onEvent may be nil; calls to it are serialized.
func (g *Graph) Invoke(ctx context.Context, turn *Turn, state *ConversationState, onEvent func(Event)) error {
	var mu sync.Mutex
	emit := func(e Event) {
		if onEvent == nil {
			return
		}
		e.RunID = turn.ID
		e.ThreadID = turn.ThreadID
		mu.Lock()
		defer mu.Unlock()
		onEvent(e)
	}

	log := turn.logger()
	limit := stepLimit(turn.Config)
	node := StageValidate
	batch := 0
	started := time.Now()

	for steps := 1; node != End; steps++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if steps > limit {
			return fmt.Errorf("%w: %d steps at node %s", ErrStepLimit, limit, node)
		}

		emit(Event{Type: EventNodeStart, Node: node, LoopCount: state.SearchLoopCount})
		nodeStart := time.Now()

		next, err := g.step(ctx, turn, state, node, &batch, emit)

		end := Event{Type: EventNodeEnd, Node: node, Duration: time.Since(nodeStart), LoopCount: state.SearchLoopCount}
		if err != nil {
			end.Err = err.Error()
		}
		emit(end)
		if err != nil {
			log.Error("Graph node failed", "node", node, "error", err)
			return err
		}
		node = next
	}

	log.Info("Turn complete", "duration", time.Since(started), "loops", state.SearchLoopCount, "clarification", state.IsClarification)
	emit(Event{Type: EventTurnEnd, Duration: time.Since(started), LoopCount: state.SearchLoopCount})
	return nil
}

func (g *Graph) step(ctx context.Context, turn *Turn, state *ConversationState, node string, batch *int, emit func(Event)) (string, error) {
	switch node {
	case StageValidate:
		upd, err := g.Stages.Validate(ctx, turn, state)
		if err != nil {
			return "", err
		}
		state.Apply(upd)
		return RouteAfterValidation(state), nil

	case StagePlan:
		upd, err := g.Stages.PlanQueries(ctx, turn, state)
		if err != nil {
			return "", err
		}
		state.Apply(upd)
		return StageSearch, nil

	case StageSearch:
		results, err := g.fanOut(ctx, turn, DispatchSearches(state.PlannedQueries, *batch), emit)
		if err != nil {
			return "", err
		}
		*batch++
		state.ApplyMerge(MergeBranches(results))
		g.remember(ctx, turn, results)
		return StageReflect, nil

	case StageReflect:
		upd, err := g.Stages.Reflect(ctx, turn, state)
		if err != nil {
			return "", err
		}
		state.Apply(upd)
		return RouteAfterReflection(state, turn.Config), nil

	case StageSynthesize:
		upd, err := g.Stages.Synthesize(ctx, turn, state)
		if err != nil {
			return "", err
		}
		state.Apply(upd)
		return End, nil
	}
	return "", fmt.Errorf("unknown graph node %q", node)
}

// fanOut runs one search branch per task and waits for all of them. Each
// branch writes only its own slot, so no locking is needed on results.
func (g *Graph) fanOut(ctx context.Context, turn *Turn, tasks []SearchTask, emit func(Event)) ([]BranchResult, error) {
	results := make([]BranchResult, len(tasks))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		eg.Go(func() error {
			results[i] = g.Stages.WebSearch(egCtx, turn, task)
			r := results[i]
			emit(Event{Type: EventBranchEnd, Node: StageSearch, Branch: &r})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (g *Graph) remember(ctx context.Context, turn *Turn, results []BranchResult) {
	if g.Stages.Memory == nil || turn.ThreadID == "" {
		return
	}
	var findings []BranchResult
	for _, r := range results {
		if !r.Degraded && r.Text != "" {
			findings = append(findings, r)
		}
	}
	if len(findings) == 0 {
		return
	}
	if err := g.Stages.Memory.Remember(ctx, turn.ThreadID, findings); err != nil {
		turn.logger().Warn("Failed to store research findings", "error", err)
		return
	}
	turn.logger().Info("Stored research findings", "branches", len(findings))
}
