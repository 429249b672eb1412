package logging

import (
	"context"
	"log/slog"
)

// runIDHandler wraps another handler to stamp a run_id attribute onto every
// record, so lines emitted outside the run context (library code, deferred
// cleanup) still correlate with the run.
type runIDHandler struct {
	base  slog.Handler
	runID string
}

// WithRunID returns a logger whose records all carry the given run identifier.
func WithRunID(logger *slog.Logger, runID string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	if runID == "" {
		return logger
	}
	return slog.New(&runIDHandler{base: logger.Handler(), runID: runID})
}

func (h *runIDHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *runIDHandler) Handle(ctx context.Context, record slog.Record) error {
	record.AddAttrs(slog.String(FieldRunID, h.runID))
	return h.base.Handle(ctx, record)
}

func (h *runIDHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &runIDHandler{base: h.base.WithAttrs(attrs), runID: h.runID}
}

func (h *runIDHandler) WithGroup(name string) slog.Handler {
	return &runIDHandler{base: h.base.WithGroup(name), runID: h.runID}
}
