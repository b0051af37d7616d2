// Package metrics derives stage statistics, bottlenecks and recommendations
// from archived stage instances and checkpoints.
//
// Compute, Report and StagePerformance are pure. Service loads history from
// the store for a time window and collapses identical concurrent report
// requests.
package metrics
