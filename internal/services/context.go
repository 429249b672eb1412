package services

import "context"

type contextKey string

const (
	runIDKey    contextKey = "run_id"
	pipelineKey contextKey = "pipeline"
	unitKey     contextKey = "unit"
	stageKey    contextKey = "stage"
)

// WithRunID annotates context with the run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithPipeline annotates context with the pipeline name.
func WithPipeline(ctx context.Context, name string) context.Context {
	if name == "" {
		return ctx
	}
	return context.WithValue(ctx, pipelineKey, name)
}

// PipelineFromContext returns the pipeline name if present.
func PipelineFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(pipelineKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithUnit annotates context with the logical name of the unit being synced.
func WithUnit(ctx context.Context, name string) context.Context {
	if name == "" {
		return ctx
	}
	return context.WithValue(ctx, unitKey, name)
}

// UnitFromContext returns the unit name if present.
func UnitFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(unitKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the per-unit stage name (skip-check,
// validate, resolve, sync).
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(stageKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
