package database

import (
	"context"
	"fmt"
)

// InitSchema creates the tables for checkpoints, run records and run logs.
func (db *PostgresDB) InitSchema(ctx context.Context) error {
	// 1. Checkpoints Table
	checkpointsQuery := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			state JSONB NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`
	if _, err := db.Pool.Exec(ctx, checkpointsQuery); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}

	// 2. Recommendation Runs Table
	runsQuery := `
		CREATE TABLE IF NOT EXISTS recommendation_runs (
			id UUID PRIMARY KEY,
			thread_id TEXT NOT NULL,
			message TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			response TEXT,
			sources JSONB,
			queries JSONB,
			duration_ms BIGINT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`
	if _, err := db.Pool.Exec(ctx, runsQuery); err != nil {
		return fmt.Errorf("failed to create recommendation_runs table: %w", err)
	}

	// 3. Run Logs Table
	logsQuery := `
		CREATE TABLE IF NOT EXISTS run_logs (
			id SERIAL PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES recommendation_runs(id) ON DELETE CASCADE,
			timestamp TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata JSONB
		);
	`
	if _, err := db.Pool.Exec(ctx, logsQuery); err != nil {
		return fmt.Errorf("failed to create run_logs table: %w", err)
	}

	// Indexes for faster querying
	if _, err := db.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_run_logs_run_id ON run_logs(run_id)"); err != nil {
		return fmt.Errorf("failed to create index on run_logs: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_recommendation_runs_created_at ON recommendation_runs(created_at DESC)"); err != nil {
		return fmt.Errorf("failed to create index on recommendation_runs: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_recommendation_runs_thread_id ON recommendation_runs(thread_id)"); err != nil {
		return fmt.Errorf("failed to create index on recommendation_runs: %w", err)
	}

	return nil
}

// InitFindingsSchema creates the pgvector table backing findings memory.
func (db *PostgresDB) InitFindingsSchema(ctx context.Context, tableName string, dimension int) error {
	if err := db.EnsureVectorExtension(ctx); err != nil {
		return fmt.Errorf("failed to enable vector extension: %w", err)
	}
	if err := db.CreateEmbeddingsTable(ctx, tableName, dimension); err != nil {
		return err
	}
	query := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_thread_idx ON %s ((metadata->>'thread_id'))", tableName, tableName)
	if _, err := db.Pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create thread index on %s: %w", tableName, err)
	}
	return nil
}
