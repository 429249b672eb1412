// Package report aggregates per-unit sync outcomes into the run summary.
//
// A Report collects one Outcome per unit of work in processing order and
// derives reason-grouped counts from them, so a run that failed three units
// for the same cause reads as one grouped line rather than three. The same
// aggregation backs the terminal table, the plain-text email body, and the
// process exit code.
package report
