package agent

import (
	"log/slog"

	"github.com/google/uuid"
)

// Turn identifies one run of the graph and carries its resolved config.
type Turn struct {
	ID       string
	ThreadID string
	Config   Config
	Logger   *slog.Logger
}

// NewTurn starts a turn on threadID with a fresh run id.
func NewTurn(threadID string, cfg Config, logger *slog.Logger) *Turn {
	t := &Turn{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Config:   cfg,
		Logger:   logger,
	}
	t.Logger = t.logger().With("run_id", t.ID, "thread_id", threadID)
	return t
}

// ShortID is the run id fragment embedded in short source aliases.
func (t *Turn) ShortID() string {
	if len(t.ID) > 8 {
		return t.ID[:8]
	}
	return t.ID
}

func (t *Turn) logger() *slog.Logger {
	if t == nil || t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}
