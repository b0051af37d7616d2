// Package tracking keeps live views of pipelines up to date for subscribers.
//
// A Hub owns its subscriptions; nothing is shared between hubs. Each
// subscription is keyed ("project:<id>", "dashboard:<user>",
// "notifications:<user>") and a new subscription under an existing key
// replaces the old one. When the store commits a matching change the hub
// recomputes the view from current state and hands it to the callback on the
// writer's goroutine. Views equal to the last delivered one are skipped.
//
// Callbacks run while the subscription's delivery lock is held and must not
// write to the store synchronously; hand the view to another goroutine
// instead.
package tracking
