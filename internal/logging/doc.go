// Package logging assembles structured slog loggers and formatting helpers used
// across the pipeline engine, the daemon, and the CLI.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so engine code can tag log lines with
// pipeline IDs, projects, stages, and correlation IDs. The package also
// provides a no-op logger for tests and wiring code that cannot fail.
package logging
