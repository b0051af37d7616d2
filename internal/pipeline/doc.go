// Package pipeline holds the records a content pipeline is made of and the
// pure transition planning that turns an operation into a targeted patch.
//
// Pipelines, stage records, artifacts, checkpoints, approvals, and automation
// rules are independently addressable; every mutation is expressed as a patch
// carrying the version it was planned against so the store can reject lost
// updates. Nothing in this package performs I/O.
package pipeline
