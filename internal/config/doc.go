// Package config loads, normalizes, and validates episodes configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// EPISODES_API_TOKEN and EPISODES_NTFY_TOPIC. The Config type centralizes every
// knob the daemon and CLI need: the data directory holding the pipeline
// database, the HTTP API bind address, notification channels, review quorum
// retry limits, metric thresholds, and job priorities.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
