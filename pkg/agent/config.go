package agent

import (
	"fmt"
	"time"
)

// Mode selects how the synthesis stage writes its output.
type Mode string

const (
	// ModeAnswer writes a concise list of top recommendations.
	ModeAnswer Mode = "answer"
	// ModeReport writes a longer narrative report.
	ModeReport Mode = "report"
)

// ParseMode accepts "answer" and "report"; anything else is an error.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAnswer, ModeReport:
		return Mode(s), nil
	case "":
		return ModeAnswer, nil
	}
	return "", fmt.Errorf("%w: unknown synthesis mode %q", ErrInvalidInput, s)
}

const (
	DefaultModel              = "gemini-2.5-flash"
	DefaultShortURLPrefix     = "https://vertexaisearch.cloud.google.com/ref"
	DefaultMaxSearchQueries   = 3
	DefaultMaxSearchLoops     = 2
	DefaultSearchTimeout      = 25 * time.Second
	DefaultMaxRecommendations = 5
	DefaultHistoryWindow      = 6

	maxSearchQueriesLimit = 10
	maxSearchLoopsLimit   = 5
)

// Config holds the per-run settings. It is resolved once when a turn
// starts and never mutated afterwards.
type Config struct {
	ValidationModel string
	QueryModel      string
	SearchModel     string
	ReflectionModel string
	AnswerModel     string

	MaxSearchQueries   int
	MaxSearchLoops     int
	SearchTimeout      time.Duration
	Mode               Mode
	MaxRecommendations int
	ShortURLPrefix     string
	HistoryWindow      int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ValidationModel:    DefaultModel,
		QueryModel:         DefaultModel,
		SearchModel:        DefaultModel,
		ReflectionModel:    DefaultModel,
		AnswerModel:        DefaultModel,
		MaxSearchQueries:   DefaultMaxSearchQueries,
		MaxSearchLoops:     DefaultMaxSearchLoops,
		SearchTimeout:      DefaultSearchTimeout,
		Mode:               ModeAnswer,
		MaxRecommendations: DefaultMaxRecommendations,
		ShortURLPrefix:     DefaultShortURLPrefix,
		HistoryWindow:      DefaultHistoryWindow,
	}
}

// Overrides are the caller-supplied knobs for a single turn.
type Overrides struct {
	MaxSearchQueries *int
	MaxSearchLoops   *int
	Mode             *Mode
}

// WithOverrides returns a copy of c with the overrides applied. Values
// outside the accepted ranges are rejected rather than clamped.
func (c Config) WithOverrides(o Overrides) (Config, error) {
	out := c
	if o.MaxSearchQueries != nil {
		if *o.MaxSearchQueries < 1 || *o.MaxSearchQueries > maxSearchQueriesLimit {
			return Config{}, fmt.Errorf("%w: max_search_queries must be between 1 and %d", ErrInvalidInput, maxSearchQueriesLimit)
		}
		out.MaxSearchQueries = *o.MaxSearchQueries
	}
	if o.MaxSearchLoops != nil {
		if *o.MaxSearchLoops < 1 || *o.MaxSearchLoops > maxSearchLoopsLimit {
			return Config{}, fmt.Errorf("%w: max_search_loops must be between 1 and %d", ErrInvalidInput, maxSearchLoopsLimit)
		}
		out.MaxSearchLoops = *o.MaxSearchLoops
	}
	if o.Mode != nil {
		mode, err := ParseMode(string(*o.Mode))
		if err != nil {
			return Config{}, err
		}
		out.Mode = mode
	}
	return out, out.Validate()
}

// Validate checks the invariants the graph relies on.
func (c Config) Validate() error {
	if c.MaxSearchQueries < 1 {
		return fmt.Errorf("%w: max search queries must be at least 1", ErrInvalidInput)
	}
	if c.MaxSearchLoops < 1 {
		return fmt.Errorf("%w: max search loops must be at least 1", ErrInvalidInput)
	}
	if c.SearchTimeout <= 0 {
		return fmt.Errorf("%w: search timeout must be positive", ErrInvalidInput)
	}
	if c.MaxRecommendations < 1 {
		return fmt.Errorf("%w: max recommendations must be at least 1", ErrInvalidInput)
	}
	return nil
}
