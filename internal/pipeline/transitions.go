package pipeline

import (
	"fmt"
	"time"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// StageUpdate rewrites one stage record. Artifacts are never part of an
// update; they live in their own append-only records.
type StageUpdate struct {
	Stage           stage.Stage
	Status          StageStatus
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Duration        time.Duration
	ClearCheckpoint bool
}

// PipelinePatch is a targeted pipeline mutation. The store applies it only
// when the stored version still equals ExpectedVersion.
type PipelinePatch struct {
	ExpectedVersion int64
	CurrentStage    stage.Stage
	Stages          []StageUpdate
	Archive         []StageInstance
	Rollback        bool
	// Gate, when set, is verified in the same write as the patch.
	Gate *StageGate
}

// StageGate pins the checkpoint a stage record links while a patch leaves
// that stage.
type StageGate struct {
	Stage stage.Stage
	// CheckpointID must still be the linked checkpoint. Empty requires the
	// record to link none.
	CheckpointID string
	// RefuseRejected fails the write when the linked checkpoint is rejected.
	// A rejected review blocks the stage until a rollback or a new checkpoint.
	RefuseRejected bool
}

// AdvancePlan is the outcome of planning an advance.
type AdvancePlan struct {
	Patch PipelinePatch
	From  stage.Stage
	To    stage.Stage
}

// PlanAdvance completes the current stage and starts the next one. The patch
// is gated on the current stage's checkpoint link and refuses to leave a stage
// whose checkpoint was rejected.
func PlanAdvance(p *Pipeline, now time.Time) (AdvancePlan, error) {
	next, ok := stage.Next(p.CurrentStage)
	if !ok {
		return AdvancePlan{}, services.Wrap(services.ErrInvalidTransition, "pipeline", "advance",
			fmt.Sprintf("pipeline %s is already at terminal stage %s", p.ID, p.CurrentStage), nil)
	}
	now = now.UTC()
	current := p.Record(p.CurrentStage)
	if current == nil {
		return AdvancePlan{}, services.Wrap(services.ErrValidation, "pipeline", "advance",
			"missing stage record for "+string(p.CurrentStage), nil)
	}

	started := now
	if current.StartedAt != nil {
		started = current.StartedAt.UTC()
	}
	completed := now
	duration := completed.Sub(started)
	if duration < 0 {
		duration = 0
	}
	nextStarted := now

	patch := PipelinePatch{
		ExpectedVersion: p.Version,
		CurrentStage:    next,
		Stages: []StageUpdate{
			{
				Stage:       p.CurrentStage,
				Status:      StageCompleted,
				StartedAt:   &started,
				CompletedAt: &completed,
				Duration:    duration,
			},
			{
				Stage:     next,
				Status:    StageInProgress,
				StartedAt: &nextStarted,
			},
		},
		Archive: []StageInstance{{
			PipelineID:  p.ID,
			ProjectID:   p.ProjectID,
			Stage:       p.CurrentStage,
			Status:      StageCompleted,
			StartedAt:   &started,
			CompletedAt: &completed,
			Duration:    duration,
			RecordedAt:  now,
		}},
		Gate: &StageGate{
			Stage:          p.CurrentStage,
			CheckpointID:   current.CheckpointID,
			RefuseRejected: true,
		},
	}
	if stage.IsTerminal(next) {
		// The terminal stage has no work of its own; reaching it completes it.
		patch.Stages[1].Status = StageCompleted
		patch.Stages[1].CompletedAt = &nextStarted
		patch.Archive = append(patch.Archive, StageInstance{
			PipelineID:  p.ID,
			ProjectID:   p.ProjectID,
			Stage:       next,
			Status:      StageCompleted,
			StartedAt:   &nextStarted,
			CompletedAt: &nextStarted,
			RecordedAt:  now,
		})
	}
	return AdvancePlan{Patch: patch, From: p.CurrentStage, To: next}, nil
}

// PlanRollback resets every record at or after target and restarts target.
// Records before target are untouched and artifacts are never discarded.
func PlanRollback(p *Pipeline, target stage.Stage, now time.Time) (PipelinePatch, error) {
	targetIdx := stage.Index(target)
	if targetIdx < 0 {
		return PipelinePatch{}, services.Wrap(services.ErrValidation, "pipeline", "rollback",
			"unknown stage "+string(target), nil)
	}
	currentIdx := stage.Index(p.CurrentStage)
	if targetIdx >= currentIdx {
		return PipelinePatch{}, services.Wrap(services.ErrInvalidTransition, "pipeline", "rollback",
			fmt.Sprintf("cannot roll back from %s to %s", p.CurrentStage, target), nil)
	}
	now = now.UTC()
	patch := PipelinePatch{
		ExpectedVersion: p.Version,
		CurrentStage:    target,
		Rollback:        true,
	}
	for _, record := range p.Stages {
		idx := stage.Index(record.Stage)
		if idx < targetIdx {
			continue
		}
		if record.Status == StageInProgress {
			patch.Archive = append(patch.Archive, StageInstance{
				PipelineID: p.ID,
				ProjectID:  p.ProjectID,
				Stage:      record.Stage,
				Status:     StageInProgress,
				StartedAt:  record.StartedAt,
				Reset:      true,
				RecordedAt: now,
			})
		}
		update := StageUpdate{
			Stage:           record.Stage,
			Status:          StageNotStarted,
			ClearCheckpoint: true,
		}
		if record.Stage == target {
			started := now
			update.Status = StageInProgress
			update.StartedAt = &started
		}
		patch.Stages = append(patch.Stages, update)
	}
	return patch, nil
}

// Apply returns a copy of p with patch applied. Stores use it to keep an
// in-memory view consistent with what they persisted.
func (p *Pipeline) Apply(patch PipelinePatch, now time.Time) *Pipeline {
	out := *p
	out.Stages = make([]StageRecord, len(p.Stages))
	copy(out.Stages, p.Stages)
	for _, update := range patch.Stages {
		record := out.Record(update.Stage)
		if record == nil {
			continue
		}
		record.Status = update.Status
		record.StartedAt = update.StartedAt
		record.CompletedAt = update.CompletedAt
		record.Duration = update.Duration
		if update.ClearCheckpoint {
			record.CheckpointID = ""
		}
	}
	if patch.CurrentStage != "" {
		out.CurrentStage = patch.CurrentStage
	}
	if patch.Rollback {
		out.Metrics.Rollbacks++
	}
	out.Version = p.Version + 1
	out.UpdatedAt = now.UTC()
	out.RefreshMetrics(now)
	return &out
}
