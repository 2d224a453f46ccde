package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mikeboe/product-recommender/pkg/agent"
)

// PostgresStore keeps checkpoints in the checkpoints table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Load(ctx context.Context, threadID string) (*agent.ConversationState, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, "SELECT state FROM checkpoints WHERE thread_id = $1", threadID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var state agent.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &state, nil
}

func (p *PostgresStore) Save(ctx context.Context, threadID string, state *agent.ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO checkpoints (thread_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (thread_id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()
	`, threadID, data)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}
