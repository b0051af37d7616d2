package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/events"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// AdvanceResult describes a committed advance.
type AdvanceResult struct {
	Pipeline *pipeline.Pipeline
	From     stage.Stage
	To       stage.Stage
	// Checkpoint is set when the entered stage is gated.
	Checkpoint *pipeline.Checkpoint
	// Job is the dispatched job id when the entered stage is automatic.
	Job string
	// DispatchErr reports a failed job dispatch. The advance itself stands.
	DispatchErr error
}

// ArtifactInput describes an artifact to attach.
type ArtifactInput struct {
	Type      pipeline.ArtifactType
	URL       string
	Payload   json.RawMessage
	CreatedBy string
}

// Create starts a pipeline for projectID in the first stage.
func (e *Engine) Create(ctx context.Context, projectID, actor string) (*pipeline.Pipeline, error) {
	projectID = strings.TrimSpace(projectID)
	actor = strings.TrimSpace(actor)
	if projectID == "" {
		return nil, services.Wrap(services.ErrValidation, "workflow", "create", "project id is required", nil)
	}
	if actor == "" {
		return nil, services.Wrap(services.ErrValidation, "workflow", "create", "actor is required", nil)
	}
	existing, err := e.store.LoadPipelineByProject(ctx, projectID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "workflow", "create", "lookup project pipeline", err)
	}
	if existing != nil {
		return nil, services.Wrap(services.ErrConflict, "workflow", "create",
			fmt.Sprintf("project %s already has pipeline %s", projectID, existing.ID), nil)
	}

	p := pipeline.New(e.newID(), projectID, actor, e.clock())
	if err := e.store.CreatePipeline(ctx, p); err != nil {
		return nil, err
	}
	ctx = e.contextFor(ctx, p, actor)
	e.loggerFor(ctx).Info("pipeline created", logging.String(logging.FieldEventType, "pipeline_created"))

	ev := eventFor(events.PipelineCreated, p, p.CurrentStage, actor)
	ev.Recipients = []string{actor}
	e.emit(ctx, ev)
	return p, nil
}

// Get returns the pipeline or nil when it does not exist.
func (e *Engine) Get(ctx context.Context, pipelineID string) (*pipeline.Pipeline, error) {
	return e.store.LoadPipeline(ctx, pipelineID)
}

// GetByProject returns the project's pipeline or nil when it has none.
func (e *Engine) GetByProject(ctx context.Context, projectID string) (*pipeline.Pipeline, error) {
	return e.store.LoadPipelineByProject(ctx, projectID)
}

func (e *Engine) mustLoad(ctx context.Context, pipelineID, op string) (*pipeline.Pipeline, error) {
	p, err := e.store.LoadPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, services.Wrap(services.ErrNotFound, "workflow", op, "pipeline "+pipelineID+" not found", nil)
	}
	return p, nil
}

// Advance completes the current stage and enters the next one. Entering a
// gated stage opens a checkpoint reviewed by actor; entering an automatic
// stage dispatches its generation job. A stage whose checkpoint was rejected
// cannot be left until it is rolled back or given a new checkpoint.
func (e *Engine) Advance(ctx context.Context, pipelineID, actor string) (AdvanceResult, error) {
	p, err := e.mustLoad(ctx, pipelineID, "advance")
	if err != nil {
		return AdvanceResult{}, err
	}
	return e.advance(ctx, p, actor)
}

// AdvanceFrom advances only while the pipeline is still at expected. Rule
// actions use it so a second trigger for the same stage fails with
// ErrInvalidTransition instead of advancing twice.
func (e *Engine) AdvanceFrom(ctx context.Context, pipelineID string, expected stage.Stage, actor string) (AdvanceResult, error) {
	p, err := e.mustLoad(ctx, pipelineID, "advance")
	if err != nil {
		return AdvanceResult{}, err
	}
	if p.CurrentStage != expected {
		return AdvanceResult{}, services.Wrap(services.ErrInvalidTransition, "workflow", "advance",
			fmt.Sprintf("pipeline %s is at %s, not %s", p.ID, p.CurrentStage, expected), nil)
	}
	return e.advance(ctx, p, actor)
}

// advanceFromCheckpoint advances past cp's stage only while cp is still the
// checkpoint that gates it. The link is pinned in the write as well.
func (e *Engine) advanceFromCheckpoint(ctx context.Context, cp *pipeline.Checkpoint, actor string) (AdvanceResult, error) {
	p, err := e.mustLoad(ctx, cp.PipelineID, "advance")
	if err != nil {
		return AdvanceResult{}, err
	}
	if p.CurrentStage != cp.Stage {
		return AdvanceResult{}, services.Wrap(services.ErrInvalidTransition, "workflow", "advance",
			fmt.Sprintf("pipeline %s is at %s, not %s", p.ID, p.CurrentStage, cp.Stage), nil)
	}
	if record := p.Record(cp.Stage); record == nil || record.CheckpointID != cp.ID {
		return AdvanceResult{}, services.Wrap(services.ErrInvalidTransition, "workflow", "advance",
			fmt.Sprintf("checkpoint %s no longer gates stage %s", cp.ID, cp.Stage), nil)
	}
	return e.advance(ctx, p, actor)
}

func (e *Engine) advance(ctx context.Context, p *pipeline.Pipeline, actor string) (AdvanceResult, error) {
	actor = strings.TrimSpace(actor)
	ctx = e.contextFor(ctx, p, actor)
	plan, err := pipeline.PlanAdvance(p, e.clock())
	if err != nil {
		return AdvanceResult{}, err
	}
	saved, err := e.store.SavePipeline(ctx, p.ID, plan.Patch)
	if err != nil {
		if errors.Is(err, services.ErrConflict) {
			return AdvanceResult{}, services.Wrap(services.ErrInvalidTransition, "workflow", "advance",
				fmt.Sprintf("pipeline %s left %s concurrently", p.ID, plan.From), err)
		}
		return AdvanceResult{}, err
	}

	result := AdvanceResult{Pipeline: saved, From: plan.From, To: plan.To}
	logger := e.loggerFor(ctx)
	logger.Info("stage advanced",
		logging.String(logging.FieldEventType, "stage_advanced"),
		logging.String("from", string(plan.From)),
		logging.String("to", string(plan.To)),
	)

	advanced := eventFor(events.StageAdvanced, saved, plan.To, actor)
	advanced.From = plan.From
	advanced.Duration = plan.Patch.Stages[0].Duration
	evs := []events.Event{advanced}

	var checkpointErr error
	switch {
	case stage.IsGated(plan.To):
		req := pipeline.CheckpointRequest{
			PipelineID:        saved.ID,
			Stage:             plan.To,
			SubmittedBy:       actor,
			AssignedTo:        []string{actor},
			RequiredApprovals: 1,
		}
		if window := e.cfg.DefaultReviewWindow(); window > 0 {
			due := e.clock().Add(window)
			req.DueAt = &due
		}
		cp, cpEvents, err := e.openCheckpoint(ctx, saved, req)
		if err != nil {
			checkpointErr = err
			logging.ErrorWithContext(logger, "checkpoint creation failed after advance", "checkpoint_create_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "create the checkpoint manually with `episodes checkpoint create`"),
			)
		} else {
			result.Checkpoint = cp
			evs = append(evs, cpEvents...)
		}
	default:
		if jobType, ok := stage.JobType(plan.To); ok {
			jobID, err := e.dispatchJob(ctx, saved, plan.To, jobType, actor)
			if err != nil {
				result.DispatchErr = err
				logging.WarnWithContext(logger, "job dispatch failed", "job_dispatch_failed",
					logging.String("job_type", jobType),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "re-enqueue the job; the stage transition is committed"),
				)
			} else {
				result.Job = jobID
				dispatched := eventFor(events.JobDispatched, saved, plan.To, actor)
				dispatched.Detail = jobType + " " + jobID
				evs = append(evs, dispatched)
			}
		}
	}
	if stage.IsTerminal(plan.To) {
		published := eventFor(events.PipelinePublished, saved, plan.To, actor)
		published.Recipients = []string{saved.CreatedBy}
		evs = append(evs, published)
	}
	e.emit(ctx, evs...)

	if checkpointErr != nil {
		return result, services.Wrap(services.ErrTransient, "workflow", "advance",
			"advanced to "+string(plan.To)+" but could not open its checkpoint", checkpointErr)
	}
	return result, nil
}

type jobPayload struct {
	PipelineID  string `json:"pipelineId"`
	ProjectID   string `json:"projectId"`
	Stage       string `json:"stage"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

func (e *Engine) dispatchJob(ctx context.Context, p *pipeline.Pipeline, st stage.Stage, jobType, actor string) (string, error) {
	payload, err := json.Marshal(jobPayload{
		PipelineID:  p.ID,
		ProjectID:   p.ProjectID,
		Stage:       string(st),
		RequestedBy: actor,
	})
	if err != nil {
		return "", fmt.Errorf("encode job payload: %w", err)
	}
	return e.store.Enqueue(ctx, jobType, payload, pipeline.JobOptions{
		Priority:   e.cfg.JobPriority(jobType),
		PipelineID: p.ID,
		Stage:      st,
	})
}

// Rollback returns the pipeline to an earlier stage. Records from target on
// are reset, target restarts, and artifacts are kept.
func (e *Engine) Rollback(ctx context.Context, pipelineID string, target stage.Stage, actor, reason string) (*pipeline.Pipeline, error) {
	p, err := e.mustLoad(ctx, pipelineID, "rollback")
	if err != nil {
		return nil, err
	}
	actor = strings.TrimSpace(actor)
	ctx = e.contextFor(ctx, p, actor)
	patch, err := pipeline.PlanRollback(p, target, e.clock())
	if err != nil {
		return nil, err
	}
	saved, err := e.store.SavePipeline(ctx, p.ID, patch)
	if err != nil {
		if errors.Is(err, services.ErrConflict) {
			return nil, services.Wrap(services.ErrInvalidTransition, "workflow", "rollback",
				fmt.Sprintf("pipeline %s changed concurrently", p.ID), err)
		}
		return nil, err
	}
	e.loggerFor(ctx).Info("pipeline rolled back",
		logging.String(logging.FieldEventType, "pipeline_rolled_back"),
		logging.String("from", string(p.CurrentStage)),
		logging.String("to", string(target)),
		logging.String("reason", reason),
	)

	ev := eventFor(events.PipelineRolledBack, saved, target, actor)
	ev.From = p.CurrentStage
	ev.Detail = strings.TrimSpace(reason)
	ev.Recipients = uniqueUsers([]string{saved.CreatedBy})
	e.emit(ctx, ev)
	return saved, nil
}

// AddArtifact appends an artifact to st's record without touching stage
// status or the current stage.
func (e *Engine) AddArtifact(ctx context.Context, pipelineID string, st stage.Stage, in ArtifactInput) (pipeline.Artifact, error) {
	if !st.Valid() {
		return pipeline.Artifact{}, services.Wrap(services.ErrValidation, "workflow", "add artifact", "unknown stage "+string(st), nil)
	}
	if !in.Type.Valid() {
		return pipeline.Artifact{}, services.Wrap(services.ErrValidation, "workflow", "add artifact",
			"unknown artifact type "+string(in.Type), nil)
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return pipeline.Artifact{}, services.Wrap(services.ErrValidation, "workflow", "add artifact", "payload is not valid JSON", nil)
	}
	p, err := e.mustLoad(ctx, pipelineID, "add artifact")
	if err != nil {
		return pipeline.Artifact{}, err
	}
	artifact := pipeline.Artifact{
		ID:         e.newID(),
		PipelineID: p.ID,
		Stage:      st,
		Type:       in.Type,
		URL:        strings.TrimSpace(in.URL),
		Payload:    in.Payload,
		CreatedBy:  strings.TrimSpace(in.CreatedBy),
		CreatedAt:  e.clock(),
	}
	if err := e.store.AppendArtifact(ctx, artifact); err != nil {
		return pipeline.Artifact{}, err
	}
	ev := eventFor(events.ArtifactAdded, p, st, artifact.CreatedBy)
	ev.Detail = string(artifact.Type)
	e.emit(e.contextFor(ctx, p, artifact.CreatedBy), ev)
	return artifact, nil
}

// SetNotificationPrefs replaces which channels and kinds the pipeline's
// notifications use.
func (e *Engine) SetNotificationPrefs(ctx context.Context, pipelineID string, prefs pipeline.NotificationPrefs) error {
	if _, err := e.mustLoad(ctx, pipelineID, "set notification prefs"); err != nil {
		return err
	}
	return e.store.SetNotificationPrefs(ctx, pipelineID, prefs)
}
