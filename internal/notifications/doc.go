// Package notifications delivers pipeline notifications to users.
//
// Two channels exist: ntfy push, published per user to a topic derived from
// the configured prefix, and the in-app inbox stored alongside pipelines.
// NewSink fans out to whichever channels are configured and degrades to a
// no-op when none are. Delivery is best effort; callers log failures and
// never let them affect pipeline state.
package notifications
