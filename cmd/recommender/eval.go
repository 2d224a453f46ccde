package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mikeboe/product-recommender/pkg/server"
	"golang.org/x/sync/errgroup"
)

// EvalCase is one request of an evaluation set.
type EvalCase struct {
	ID    caseID `json:"id"`
	Query string `json:"query"`
}

// caseID accepts numeric and string ids.
type caseID string

func (c *caseID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = caseID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("case id must be a string or a number: %s", data)
	}
	*c = caseID(n.String())
	return nil
}

// EvalResult is the outcome of one EvalCase.
type EvalResult struct {
	ID              caseID             `json:"id"`
	Query           string             `json:"query"`
	Response        string             `json:"response"`
	Sources         []server.SourceRef `json:"sources"`
	IsClarification bool               `json:"is_clarification"`
	LatencySeconds  float64            `json:"latency_seconds"`
	Error           string             `json:"error,omitempty"`
}

type chatFunc func(ctx context.Context, req server.ChatRequest) (*server.ChatResponse, error)

func loadCases(path string) ([]EvalCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cases: %w", err)
	}
	var cases []EvalCase
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("failed to parse cases: %w", err)
	}
	for i := range cases {
		if cases[i].ID == "" {
			cases[i].ID = caseID(fmt.Sprintf("case-%d", i+1))
		}
	}
	return cases, nil
}

// runEval runs every case on its own thread, at most concurrency at a time.
// A failed case is recorded and does not stop the others.
func runEval(ctx context.Context, cases []EvalCase, chat chatFunc, concurrency int) []EvalResult {
	results := make([]EvalResult, len(cases))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))

	for i, c := range cases {
		g.Go(func() error {
			started := time.Now()
			res := EvalResult{ID: c.ID, Query: c.Query, Sources: []server.SourceRef{}}

			resp, err := chat(ctx, server.ChatRequest{Message: c.Query, ThreadID: "eval-" + string(c.ID)})
			res.LatencySeconds = time.Since(started).Seconds()
			if err != nil {
				res.Error = err.Error()
				slog.Warn("Evaluation case failed", "id", c.ID, "error", err)
			} else {
				res.Response = resp.Message
				res.IsClarification = resp.IsClarification
				if resp.Sources != nil {
					res.Sources = resp.Sources
				}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func writeResults(path string, results []EvalResult) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}
