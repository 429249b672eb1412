// Package services defines shared utilities consumed by the sync engine and
// the pipeline implementations.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, pipeline names, unit names, and
//     stage names for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate failures
//     into consistent run outcomes (failed vs skipped vs fatal).
//
// Use these helpers when wiring new pipeline logic so operational behaviour
// (error handling, observability) stays uniform across modalities.
package services
