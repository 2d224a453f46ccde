package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RunLogWriter persists one log line of a run.
type RunLogWriter interface {
	InsertRunLog(ctx context.Context, runID uuid.UUID, ts time.Time, level, message string, metadata []byte) error
}

// RunLogHandler is a slog.Handler that writes records to the run_logs table
// and forwards them to next.
type RunLogHandler struct {
	w     RunLogWriter
	runID uuid.UUID
	next  slog.Handler
	attrs []slog.Attr
	group string
}

func NewRunLogHandler(w RunLogWriter, runID uuid.UUID, next slog.Handler) *RunLogHandler {
	return &RunLogHandler{w: w, runID: runID, next: next}
}

func (h *RunLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	// Everything at INFO and above is persisted even if the console is quieter.
	if level >= slog.LevelInfo {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, level)
}

func (h *RunLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		_ = h.next.Handle(ctx, r)
	}
	if r.Level < slog.LevelInfo {
		return nil
	}

	attrs := make(map[string]interface{})
	for _, a := range h.attrs {
		attrs[a.Key] = logValue(a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		attrs[key] = logValue(a.Value)
		return true
	})

	metaJSON, err := json.Marshal(attrs)
	if err != nil {
		metaJSON = []byte("{}")
	}

	// Use background context so logs persist even if the request context is cancelled
	return h.w.InsertRunLog(context.Background(), h.runID, r.Time, r.Level.String(), r.Message, metaJSON)
}

func (h *RunLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return &clone
}

func (h *RunLogHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if h.group != "" {
		clone.group = h.group + "." + name
	} else {
		clone.group = name
	}
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}

// logValue keeps errors readable in the JSON metadata.
func logValue(v slog.Value) interface{} {
	v = v.Resolve()
	if err, ok := v.Any().(error); ok {
		return err.Error()
	}
	if v.Kind() == slog.KindDuration {
		return v.Duration().String()
	}
	return v.Any()
}
