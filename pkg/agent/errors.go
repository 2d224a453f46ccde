package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for requests rejected before the graph runs.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStepLimit means the graph visited more nodes than its shape allows.
	ErrStepLimit = errors.New("graph step limit exceeded")
)

// Stage names, also used as graph node names.
const (
	StageValidate   = "validate_request"
	StagePlan       = "generate_search_queries"
	StageSearch     = "web_search"
	StageReflect    = "reflection"
	StageSynthesize = "answer_generation"
)

// StageError reports a stage whose model call failed after its retry
// budget. It fails the whole turn.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}
