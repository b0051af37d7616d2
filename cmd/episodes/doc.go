// Package main hosts the episodes CLI entrypoint and command graph.
//
// The Cobra command tree translates terminal invocations into calls against
// the episodesd HTTP API. Configuration and server discovery live in
// commandContext so subcommands only deal with requests and rendering.
//
// Add new functionality to the internal packages and the daemon API first,
// then surface it here through a dedicated command or flag.
package main
