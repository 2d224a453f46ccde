package metrics

import (
	"github.com/mikeboe/product-recommender/pkg/agent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recommender_turns_total",
			Help: "Total number of conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recommender_turn_duration_seconds",
			Help:    "Conversation turn duration in seconds",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	// Stage metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recommender_stage_duration_seconds",
			Help:    "Graph stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	StageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recommender_stage_errors_total",
			Help: "Total number of failed graph stages",
		},
		[]string{"stage"},
	)

	// Search metrics
	SearchBranches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recommender_search_branches_total",
			Help: "Total number of search branches by outcome",
		},
		[]string{"outcome"},
	)

	SourcesGathered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recommender_sources_gathered_total",
			Help: "Total number of grounding sources gathered",
		},
	)

	ReflectionLoops = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recommender_reflection_loops",
			Help:    "Number of reflection loops per completed turn",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)
)

// Turn outcomes
const (
	OutcomeCompleted     = "completed"
	OutcomeClarification = "clarification"
	OutcomeFailed        = "failed"
)

// Branch outcomes
const (
	BranchGrounded   = "grounded"
	BranchUngrounded = "ungrounded"
	BranchDegraded   = "degraded"
)

// RecordTurn records a finished turn.
func RecordTurn(outcome string, durationSeconds float64, loops int) {
	TurnsTotal.WithLabelValues(outcome).Inc()
	TurnDuration.WithLabelValues(outcome).Observe(durationSeconds)
	if outcome == OutcomeCompleted {
		ReflectionLoops.Observe(float64(loops))
	}
}

// ObserveEvent translates graph events into stage and branch metrics.
func ObserveEvent(e agent.Event) {
	switch e.Type {
	case agent.EventNodeEnd:
		StageDuration.WithLabelValues(e.Node).Observe(e.Duration.Seconds())
		if e.Err != "" {
			StageErrors.WithLabelValues(e.Node).Inc()
		}
	case agent.EventBranchEnd:
		if e.Branch == nil {
			return
		}
		SearchBranches.WithLabelValues(BranchOutcome(*e.Branch)).Inc()
		SourcesGathered.Add(float64(len(e.Branch.Sources)))
	}
}

// BranchOutcome classifies a finished search branch.
func BranchOutcome(r agent.BranchResult) string {
	switch {
	case r.Degraded:
		return BranchDegraded
	case len(r.Sources) == 0:
		return BranchUngrounded
	default:
		return BranchGrounded
	}
}
