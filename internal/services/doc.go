// Package services defines the error taxonomy and context helpers shared by
// the pipeline engine, the rule engine, and the transports that expose them.
//
// Key responsibilities:
//   - Sentinel markers (not found, invalid transition, unauthorized, duplicate
//     decision, validation, conflict) plus the Wrap helper that keeps the
//     marker matchable through errors.Is while adding component context.
//   - Context helpers that stamp pipeline IDs, project IDs, stages, and
//     correlation identifiers for logging.
//
// Callers classify failures with errors.Is against the exported markers; the
// HTTP layer and CLI map them to status codes and exit messages via Kind.
package services
