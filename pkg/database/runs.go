package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	RunRunning       = "running"
	RunCompleted     = "completed"
	RunClarification = "clarification"
	RunFailed        = "failed"
)

// Run is one recorded conversation turn.
type Run struct {
	ID         uuid.UUID       `json:"id"`
	ThreadID   string          `json:"thread_id"`
	Message    string          `json:"message"`
	Status     string          `json:"status"`
	Response   *string         `json:"response,omitempty"`
	Sources    json.RawMessage `json:"sources,omitempty"`
	Queries    json.RawMessage `json:"queries,omitempty"`
	DurationMs *int64          `json:"duration_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// RunResult is what a finished turn writes back to its run record.
type RunResult struct {
	Status   string
	Response string
	Sources  any
	Queries  []string
	Duration time.Duration
}

// LogEntry is one persisted log line of a run.
type LogEntry struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (db *PostgresDB) CreateRun(ctx context.Context, id uuid.UUID, threadID, message string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO recommendation_runs (id, thread_id, message, status)
		VALUES ($1, $2, $3, 'running')
	`, id, threadID, message)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (db *PostgresDB) FinishRun(ctx context.Context, id uuid.UUID, res RunResult) error {
	sourcesJSON, err := json.Marshal(res.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}
	queriesJSON, err := json.Marshal(res.Queries)
	if err != nil {
		return fmt.Errorf("failed to marshal queries: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
		UPDATE recommendation_runs
		SET status = $2, response = $3, sources = $4, queries = $5, duration_ms = $6, updated_at = NOW()
		WHERE id = $1
	`, id, res.Status, res.Response, sourcesJSON, queriesJSON, res.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	run := &Run{}
	err := db.Pool.QueryRow(ctx, `
		SELECT id, thread_id, message, status, response, sources, queries, duration_ms, created_at, updated_at
		FROM recommendation_runs
		WHERE id = $1
	`, id).Scan(&run.ID, &run.ThreadID, &run.Message, &run.Status, &run.Response, &run.Sources, &run.Queries, &run.DurationMs, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the 50 most recent runs, optionally limited to a thread.
func (db *PostgresDB) ListRuns(ctx context.Context, threadID string) ([]Run, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, thread_id, message, status, response, sources, queries, duration_ms, created_at, updated_at
		FROM recommendation_runs
		WHERE $1 = '' OR thread_id = $1
		ORDER BY created_at DESC
		LIMIT 50
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.ThreadID, &run.Message, &run.Status, &run.Response, &run.Sources, &run.Queries, &run.DurationMs, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (db *PostgresDB) InsertRunLog(ctx context.Context, runID uuid.UUID, ts time.Time, level, message string, metadata []byte) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO run_logs (run_id, timestamp, level, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, runID, ts, level, message, metadata)
	return err
}

func (db *PostgresDB) GetRunLogs(ctx context.Context, runID uuid.UUID) ([]LogEntry, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, timestamp, level, message, metadata
		FROM run_logs
		WHERE run_id = $1
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &l.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
