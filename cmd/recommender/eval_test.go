package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mikeboe/product-recommender/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunEvalBoundsConcurrencyAndKeepsOrder(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	chat := func(_ context.Context, req server.ChatRequest) (*server.ChatResponse, error) {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()

		if req.Message == "bad" {
			return nil, errors.New("boom")
		}
		return &server.ChatResponse{Message: "answer to " + req.Message, ThreadID: req.ThreadID}, nil
	}

	cases := []EvalCase{{ID: "1", Query: "a"}, {ID: "2", Query: "bad"}, {ID: "3", Query: "c"}, {ID: "4", Query: "d"}, {ID: "5", Query: "e"}}
	results := runEval(context.Background(), cases, chat, 2)

	require.Len(t, results, 5)
	assert.LessOrEqual(t, peak, 2)
	for i, r := range results {
		assert.Equal(t, cases[i].ID, r.ID)
	}
	assert.Equal(t, "answer to a", results[0].Response)
	assert.Equal(t, "boom", results[1].Error)
	assert.NotNil(t, results[1].Sources)
	assert.Equal(t, "answer to e", results[4].Response)
}

func TestLoadCasesAssignsMissingIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id": "kb", "query": "키보드"}, {"query": "마우스"}, {"id": 7, "query": "모니터"}]`), 0o644))

	cases, err := loadCases(path)
	require.NoError(t, err)

	assert.Equal(t, []EvalCase{{ID: "kb", Query: "키보드"}, {ID: "case-2", Query: "마우스"}, {ID: "7", Query: "모니터"}}, cases)
}

func TestWriteResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")

	require.NoError(t, writeResults(path, []EvalResult{{ID: "1", Query: "q", Sources: []server.SourceRef{}}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sources": []`)
}
