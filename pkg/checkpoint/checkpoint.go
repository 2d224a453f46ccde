// Package checkpoint persists conversation state between turns, keyed by
// thread id.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/mikeboe/product-recommender/pkg/agent"
)

// Store loads and saves the state of a thread. Load returns nil, nil when
// the thread has no checkpoint yet.
type Store interface {
	Load(ctx context.Context, threadID string) (*agent.ConversationState, error)
	Save(ctx context.Context, threadID string, state *agent.ConversationState) error
}

// Backend names accepted by CHECKPOINT_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// ValidateBackend rejects unknown backend names.
func ValidateBackend(name string) error {
	switch name {
	case BackendMemory, BackendPostgres, BackendRedis:
		return nil
	}
	return fmt.Errorf("unknown checkpoint backend %q", name)
}
