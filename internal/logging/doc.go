// Package logging assembles structured slog loggers and formatting helpers
// used across the intake pipelines.
//
// It owns the configurable console/JSON handlers, centralizes level and
// output plumbing, and exposes context-aware helpers so engine and pipeline
// code can automatically tag log lines with run IDs, pipeline names, unit
// names, and stages. The package also provides a no-op logger for tests and
// wiring code that cannot fail, plus retention pruning for per-run log files.
//
// Prefer these constructors over hand-rolled slog setup so every component
// emits data with the same shape and routing.
package logging
