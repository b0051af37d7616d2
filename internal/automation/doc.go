// Package automation evaluates per-stage automation rules and executes their
// actions through the workflow engine.
//
// Rules are validated when created, so a stored rule always has a known stage,
// well-formed conditions, and a configuration for each of its actions.
// Evaluate never fails as a whole: every rule and every action runs in
// isolation and its failure is recorded in the returned Report.
package automation
