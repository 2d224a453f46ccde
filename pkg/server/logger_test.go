package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLogHandlerPersistsInfoAndAbove(t *testing.T) {
	runs := newMemoryRuns()
	runID := uuid.New()
	var console bytes.Buffer
	next := slog.NewTextHandler(&console, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(NewRunLogHandler(runs, runID, next)).With("thread_id", "t-1")

	logger.Debug("hidden")
	logger.Info("Search finished", "query", "keyboard", "took", 1500*time.Millisecond)
	logger.WithGroup("branch").Warn("Branch degraded", "error", errors.New("timeout"))

	logs, err := runs.GetRunLogs(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	assert.Equal(t, "INFO", logs[0].Level)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(logs[0].Metadata, &meta))
	assert.Equal(t, "t-1", meta["thread_id"])
	assert.Equal(t, "keyboard", meta["query"])
	assert.Equal(t, "1.5s", meta["took"])

	require.NoError(t, json.Unmarshal(logs[1].Metadata, &meta))
	assert.Equal(t, "timeout", meta["branch.error"])

	assert.NotContains(t, console.String(), "Search finished")
	assert.Contains(t, console.String(), "Branch degraded")
}
