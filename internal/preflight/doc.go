// Package preflight provides readiness checks for external services
// and filesystem paths that intake depends on.
//
// The CLI "intake preflight" command runs RunAll before any ingestion
// work so operators can catch a missing directory, a broken tracker
// DSN, or rejected DMS credentials without burning a run on it.
//
// Each check is gated by its config toggle -- disabled features are skipped.
package preflight
