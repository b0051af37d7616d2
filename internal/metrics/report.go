package metrics

import (
	"fmt"
	"math"
	"time"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/config"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// Thresholds decide which stages are bottlenecks and which get
// recommendations. Rates are percentages.
type Thresholds struct {
	BottleneckRevisionRate float64
	BottleneckApprovalTime time.Duration
	GuidelineRevisionRate  float64
	CapacityApprovalTime   time.Duration
}

// DefaultThresholds flags stages above 20% revisions or 24h approvals and
// recommends changes above 30% or 48h.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BottleneckRevisionRate: 20,
		BottleneckApprovalTime: 24 * time.Hour,
		GuidelineRevisionRate:  30,
		CapacityApprovalTime:   48 * time.Hour,
	}
}

// ThresholdsFromConfig reads the [metrics] section.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	if cfg == nil {
		return DefaultThresholds()
	}
	hours := func(h float64) time.Duration { return time.Duration(h * float64(time.Hour)) }
	return Thresholds{
		BottleneckRevisionRate: cfg.Metrics.BottleneckRevisionRate,
		BottleneckApprovalTime: hours(cfg.Metrics.BottleneckApprovalHours),
		GuidelineRevisionRate:  cfg.Metrics.GuidelineRevisionRate,
		CapacityApprovalTime:   hours(cfg.Metrics.CapacityApprovalHours),
	}
}

// Window is a half-open time range [Since, Until).
type Window struct {
	Since time.Time
	Until time.Time
}

// LastDays returns the window of the d days ending at now.
func LastDays(now time.Time, d int) Window {
	now = now.UTC()
	return Window{Since: now.Add(-time.Duration(d) * 24 * time.Hour), Until: now}
}

// Totals aggregates the whole window.
type Totals struct {
	Pipelines   int
	Published   int
	Instances   int
	Checkpoints int
	Rejected    int
	Rollbacks   int
}

// PipelineReport is the window-wide view over every stage.
type PipelineReport struct {
	Window          Window
	Stages          []StageMetrics
	Bottlenecks     []stage.Stage
	Recommendations []string
	Totals          Totals
}

// IsBottleneck reports whether m crosses either bottleneck threshold.
func (t Thresholds) IsBottleneck(m StageMetrics) bool {
	return m.RevisionRate > t.BottleneckRevisionRate || m.AverageApprovalTime > t.BottleneckApprovalTime
}

// Recommend returns the hints m warrants.
func (t Thresholds) Recommend(m StageMetrics) []string {
	var hints []string
	label := stage.Label(m.Stage)
	if m.RevisionRate > t.GuidelineRevisionRate {
		hint := fmt.Sprintf("%s: %.0f%% of reviews end in rejection; clarify the guidelines creators work from",
			label, m.RevisionRate)
		if len(m.RecurringIssues) > 0 {
			hint += fmt.Sprintf(" (recurring feedback: %v)", m.RecurringIssues)
		}
		hints = append(hints, hint)
	}
	if m.AverageApprovalTime > t.CapacityApprovalTime {
		hints = append(hints, fmt.Sprintf("%s: approvals take %s on average; add reviewers or rebalance assignments",
			label, roundHours(m.AverageApprovalTime)))
	}
	return hints
}

// Report computes every stage's metrics and the window-wide verdicts.
func Report(window Window, instances []pipeline.StageInstance, checkpoints []*pipeline.Checkpoint, thresholds Thresholds) PipelineReport {
	report := PipelineReport{Window: window}
	for _, st := range stage.All() {
		m := Compute(st, instances, checkpoints)
		report.Stages = append(report.Stages, m)
		if thresholds.IsBottleneck(m) {
			report.Bottlenecks = append(report.Bottlenecks, st)
		}
		report.Recommendations = append(report.Recommendations, thresholds.Recommend(m)...)
		report.Totals.Checkpoints += m.Checkpoints
		report.Totals.Rejected += m.Rejected
	}

	pipelines := make(map[string]struct{})
	for _, instance := range instances {
		pipelines[instance.PipelineID] = struct{}{}
		report.Totals.Instances++
		if instance.Reset {
			report.Totals.Rollbacks++
		}
		if instance.Stage == stage.Last() && instance.Status == pipeline.StageCompleted {
			report.Totals.Published++
		}
	}
	report.Totals.Pipelines = len(pipelines)
	return report
}

func roundHours(d time.Duration) string {
	hours := math.Round(d.Hours()*10) / 10
	return fmt.Sprintf("%gh", hours)
}
