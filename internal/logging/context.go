package logging

import (
	"context"
	"log/slog"

	"intake/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRunID is the standardized structured logging key for run identifiers.
	FieldRunID = "run_id"
	// FieldPipeline is the standardized structured logging key for pipeline names.
	FieldPipeline = "pipeline"
	// FieldUnit is the standardized structured logging key for unit-of-work names.
	FieldUnit = "unit"
	// FieldStage is the standardized structured logging key for per-unit stage names.
	FieldStage = "stage"
	// FieldOutcome is the standardized structured logging key for unit outcomes.
	FieldOutcome = "outcome"
	// FieldReason is the standardized structured logging key for outcome reasons.
	FieldReason = "reason"
	// FieldEventType is the standardized structured logging key for event classification.
	FieldEventType = "event_type"
	// FieldErrorHint is the standardized structured logging key for operator guidance.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for the user-facing consequence of a warning.
	FieldImpact = "impact"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.RunIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunID, id))
	}
	if name, ok := services.PipelineFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldPipeline, name))
	}
	if unit, ok := services.UnitFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldUnit, unit))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from
// the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
