// Package api exposes the pipeline core as one Service and defines the
// transport types the daemon and CLI render.
//
// # Service
//
// Service wires the record store, the workflow engine, the automation rule
// engine, the metrics service and a tracking hub together and offers every
// operation external callers use: pipeline lifecycle, checkpoints and
// decisions, metrics and reports, rules, subscriptions and history.
//
// Read operations return nil for records that do not exist. Mutations fail
// with the services error markers (ErrNotFound, ErrInvalidTransition,
// ErrUnauthorized, ErrDuplicateDecision, ErrValidation, ErrConflict).
//
// # DTOs
//
// DTOs use camelCase JSON tags. Timestamps are RFC3339 with milliseconds and
// durations are reported in whole seconds next to a human readable string.
package api
