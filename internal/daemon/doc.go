// Package daemon coordinates the long-running episodesd process.
//
// It wires configuration, the record store, and the api.Service into a single
// lifecycle with flock-based locking to prevent multiple instances, runs the
// preflight checks, and serves the HTTP API: JSON endpoints for every
// pipeline operation, a server-sent events stream for live views, and the
// Prometheus metrics endpoint.
//
// Keep orchestration logic here: pipeline semantics live in workflow,
// automation, metrics, and tracking while the daemon focuses on startup,
// shutdown, and transport.
package daemon
