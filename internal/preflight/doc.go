// Package preflight provides readiness checks for the filesystem paths and
// external services episodes depends on.
//
// The daemon runs RunAll at startup and refuses to start when a required
// check fails; the CLI "episodes config show" command prints the same
// results. Push delivery is checked only when a topic prefix is configured.
package preflight
