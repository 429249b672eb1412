// Package main hosts the intake CLI entrypoint and command graph.
//
// The Cobra-based command tree maps terminal invocations onto pipeline
// runs, watch mode, preflight checks, tracker inspection, and
// configuration scaffolding. It centralizes configuration resolution and
// per-run logger setup so subcommands can focus on user experience
// instead of wiring.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags
// here.
package main
