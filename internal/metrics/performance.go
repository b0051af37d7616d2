package metrics

import (
	"time"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// StagePerformance is one stage of a single pipeline.
type StagePerformance struct {
	Stage        stage.Stage
	Label        string
	Status       pipeline.StageStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Elapsed      time.Duration
	Artifacts    int
	CheckpointID string
}

// Performance lists per-stage status and time spent for p. A stage still in
// progress reports the time since it started.
func Performance(p *pipeline.Pipeline, now time.Time) []StagePerformance {
	if p == nil {
		return nil
	}
	out := make([]StagePerformance, 0, len(p.Stages))
	for _, record := range p.Stages {
		perf := StagePerformance{
			Stage:        record.Stage,
			Label:        stage.Label(record.Stage),
			Status:       record.Status,
			StartedAt:    record.StartedAt,
			CompletedAt:  record.CompletedAt,
			Artifacts:    len(record.Artifacts),
			CheckpointID: record.CheckpointID,
		}
		switch record.Status {
		case pipeline.StageCompleted:
			perf.Elapsed = record.Duration
		case pipeline.StageInProgress:
			if record.StartedAt != nil {
				perf.Elapsed = max(now.Sub(*record.StartedAt), 0)
			}
		}
		out = append(out, perf)
	}
	return out
}
