// Package workflow owns the pipeline state machine.
//
// The Engine creates pipelines, advances and rolls them back, attaches
// artifacts, and runs the checkpoint lifecycle. Every mutation is planned
// against a loaded snapshot (see package pipeline) and committed through a
// version-guarded store write, so two callers racing on the same pipeline
// or checkpoint never lose each other's updates: the loser of an advance
// race observes ErrInvalidTransition, the loser of a decision race reloads
// and retries.
//
// Side effects are not performed inline. Each command produces domain
// events that an events.Dispatcher fans out to notifications, the activity
// log, and metrics after the write committed. Job dispatch for automatic
// stages is the only side effect the engine performs itself, and its failure
// is reported without reverting the transition.
package workflow
