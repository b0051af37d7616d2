package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/events"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// DecisionResult describes a recorded decision.
type DecisionResult struct {
	Checkpoint *pipeline.Checkpoint
	// Advance is set when an approval resolved the checkpoint and the
	// pipeline moved on.
	Advance *AdvanceResult
	// AdvanceErr reports why an approved checkpoint did not advance, for
	// example because another path already advanced the pipeline.
	AdvanceErr error
}

// BulkFailure pairs a checkpoint id with the reason it was not approved.
type BulkFailure struct {
	ID  string
	Err error
}

// BulkResult separates approved checkpoints from failures.
type BulkResult struct {
	Succeeded []string
	Failed    []BulkFailure
}

// MetaUpdate changes reviewer assignment or scheduling of a pending
// checkpoint.
type MetaUpdate struct {
	AddReviewers []string
	DueAt        *time.Time
	Notes        *string
	Actor        string
}

// CreateCheckpoint opens a pending checkpoint on req.Stage and links it to
// the stage record. Every assignee is notified.
func (e *Engine) CreateCheckpoint(ctx context.Context, req pipeline.CheckpointRequest) (*pipeline.Checkpoint, error) {
	p, err := e.mustLoad(ctx, req.PipelineID, "create checkpoint")
	if err != nil {
		return nil, err
	}
	ctx = e.contextFor(ctx, p, req.SubmittedBy)
	cp, evs, err := e.openCheckpoint(ctx, p, req)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, evs...)
	return cp, nil
}

func (e *Engine) openCheckpoint(ctx context.Context, p *pipeline.Pipeline, req pipeline.CheckpointRequest) (*pipeline.Checkpoint, []events.Event, error) {
	req.PipelineID = p.ID
	cp, err := pipeline.NewCheckpoint(e.newID(), req, e.clock())
	if err != nil {
		return nil, nil, err
	}
	if err := e.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, nil, err
	}
	e.loggerFor(ctx).Info("checkpoint created",
		logging.String(logging.FieldEventType, "checkpoint_created"),
		logging.CheckpointID(cp.ID),
		logging.Stage(string(cp.Stage)),
		logging.Strings("assigned_to", cp.AssignedTo),
		logging.Int("required_approvals", cp.RequiredApprovals),
	)
	ev := eventFor(events.CheckpointCreated, p, cp.Stage, cp.SubmittedBy)
	ev.CheckpointID = cp.ID
	ev.Recipients = slices.Clone(cp.AssignedTo)
	return cp, []events.Event{ev}, nil
}

// RecordDecision records actor's decision on a checkpoint. Loading, planning
// and writing the decision happen in one store transaction, so concurrent
// reviewers are serialized and no vote is lost. Only the checkpoint currently
// linked to its stage accepts decisions. The first rejection resolves the
// checkpoint as rejected. Reaching quorum resolves it as approved and
// advances the pipeline from the checkpoint's stage.
func (e *Engine) RecordDecision(ctx context.Context, checkpointID, actor string, decision pipeline.Decision, feedback string) (DecisionResult, error) {
	actor = strings.TrimSpace(actor)
	now := e.clock()

	var outcome pipeline.DecisionOutcome
	saved, err := e.store.UpdateCheckpoint(ctx, checkpointID, func(cp *pipeline.Checkpoint, linked bool) (pipeline.CheckpointPatch, error) {
		planned, err := pipeline.PlanDecision(cp, actor, decision, feedback, now)
		if err != nil {
			return pipeline.CheckpointPatch{}, err
		}
		if !linked {
			return pipeline.CheckpointPatch{}, services.Wrap(services.ErrInvalidTransition, "workflow", "decide",
				fmt.Sprintf("checkpoint %s no longer gates stage %s", cp.ID, cp.Stage), nil)
		}
		outcome = planned
		return planned.Patch, nil
	})
	if err != nil {
		return DecisionResult{}, err
	}

	result := DecisionResult{Checkpoint: saved}
	p, err := e.store.LoadPipeline(ctx, saved.PipelineID)
	if err != nil || p == nil {
		// The decision is committed; events need the pipeline for routing.
		e.logger.Warn("decision recorded but pipeline unavailable for follow-up",
			logging.CheckpointID(saved.ID),
			logging.Error(err),
			logging.String(logging.FieldEventType, "decision_followup_skipped"),
			logging.String(logging.FieldErrorHint, "check store health"),
			logging.String(logging.FieldImpact, "notifications for this decision were not sent"),
		)
		return result, nil
	}
	ctx = e.contextFor(ctx, p, actor)
	logger := e.loggerFor(ctx)
	logger.Info("decision recorded",
		logging.String(logging.FieldEventType, "decision_recorded"),
		logging.CheckpointID(saved.ID),
		logging.String("decision", string(decision)),
		logging.String("status", string(saved.Status)),
		logging.Int("approvals", saved.CurrentApprovals()),
		logging.Int("required_approvals", saved.RequiredApprovals),
	)

	approval := outcome.Patch.Approval
	if approval.Feedback != "" {
		e.appendFeedback(ctx, saved, *approval)
	}

	recorded := eventFor(events.DecisionRecorded, p, saved.Stage, actor)
	recorded.CheckpointID = saved.ID
	recorded.Detail = string(decision)
	evs := []events.Event{recorded}
	if outcome.Resolved {
		resolved := eventFor(events.CheckpointResolved, p, saved.Stage, actor)
		resolved.CheckpointID = saved.ID
		resolved.Outcome = saved.Status
		resolved.Detail = approval.Feedback
		resolved.Recipients = uniqueUsers([]string{saved.SubmittedBy, p.CreatedBy})
		evs = append(evs, resolved)
	}
	e.emit(ctx, evs...)

	if saved.Status == pipeline.CheckpointApproved {
		advanced, err := e.advanceFromCheckpoint(ctx, saved, actor)
		if err != nil {
			result.AdvanceErr = err
			logger.Info("approved checkpoint did not advance pipeline",
				logging.String(logging.FieldEventType, "approval_advance_skipped"),
				logging.Error(err),
			)
		} else {
			result.Advance = &advanced
		}
	}
	return result, nil
}

func (e *Engine) appendFeedback(ctx context.Context, cp *pipeline.Checkpoint, approval pipeline.Approval) {
	payload, err := json.Marshal(map[string]string{
		"checkpointId": cp.ID,
		"decision":     string(approval.Decision),
		"feedback":     approval.Feedback,
	})
	if err == nil {
		err = e.store.AppendArtifact(ctx, pipeline.Artifact{
			ID:         e.newID(),
			PipelineID: cp.PipelineID,
			Stage:      cp.Stage,
			Type:       pipeline.ArtifactFeedback,
			Payload:    payload,
			CreatedBy:  approval.Reviewer,
			CreatedAt:  approval.CreatedAt,
		})
	}
	if err != nil {
		logging.WarnWithContext(e.loggerFor(ctx), "feedback artifact not stored", "feedback_artifact_failed",
			logging.CheckpointID(cp.ID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "feedback remains on the approval record only"),
		)
	}
}

// Approve records an approval.
func (e *Engine) Approve(ctx context.Context, checkpointID, actor, feedback string) (DecisionResult, error) {
	return e.RecordDecision(ctx, checkpointID, actor, pipeline.DecisionApproved, feedback)
}

// Reject records a rejection, which resolves the checkpoint immediately.
func (e *Engine) Reject(ctx context.Context, checkpointID, actor, feedback string) (DecisionResult, error) {
	return e.RecordDecision(ctx, checkpointID, actor, pipeline.DecisionRejected, feedback)
}

// BulkApprove approves every checkpoint independently. One failure never
// stops the others; results keep the input order.
func (e *Engine) BulkApprove(ctx context.Context, checkpointIDs []string, actor string) BulkResult {
	errs := make([]error, len(checkpointIDs))
	g := new(errgroup.Group)
	g.SetLimit(max(e.cfg.Workflow.BulkConcurrency, 1))
	for i, id := range checkpointIDs {
		g.Go(func() error {
			if ctx.Err() != nil {
				errs[i] = ctx.Err()
				return nil
			}
			_, errs[i] = e.Approve(ctx, id, actor, "")
			return nil
		})
	}
	_ = g.Wait()

	var result BulkResult
	for i, id := range checkpointIDs {
		if errs[i] != nil {
			result.Failed = append(result.Failed, BulkFailure{ID: id, Err: errs[i]})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	return result
}

// UpdateCheckpointMeta adds reviewers, moves the due date, or replaces the
// notes of a pending checkpoint.
func (e *Engine) UpdateCheckpointMeta(ctx context.Context, checkpointID string, update MetaUpdate) (*pipeline.Checkpoint, error) {
	var added []string
	saved, err := e.store.UpdateCheckpoint(ctx, checkpointID, func(cp *pipeline.Checkpoint, _ bool) (pipeline.CheckpointPatch, error) {
		if cp.Status != pipeline.CheckpointPending {
			return pipeline.CheckpointPatch{}, services.Wrap(services.ErrInvalidTransition, "workflow", "update checkpoint",
				"checkpoint "+checkpointID+" is already "+string(cp.Status), nil)
		}
		patch := pipeline.CheckpointPatch{DueAt: update.DueAt, Notes: update.Notes}
		added = nil
		if len(update.AddReviewers) > 0 {
			merged := pipeline.MergeReviewers(cp.AssignedTo, update.AddReviewers)
			for _, reviewer := range merged {
				if !cp.IsAssigned(reviewer) {
					added = append(added, reviewer)
				}
			}
			if len(added) > 0 {
				patch.AssignedTo = merged
			}
		}
		return patch, nil
	})
	if err != nil {
		return nil, err
	}

	p, err := e.store.LoadPipeline(ctx, saved.PipelineID)
	if err != nil || p == nil {
		return saved, nil
	}
	ctx = e.contextFor(ctx, p, update.Actor)
	var evs []events.Event
	if len(added) > 0 {
		ev := eventFor(events.ReviewersAssigned, p, saved.Stage, update.Actor)
		ev.CheckpointID = saved.ID
		ev.Recipients = added
		ev.Detail = strings.Join(added, ",")
		evs = append(evs, ev)
	}
	if update.DueAt != nil {
		ev := eventFor(events.DueDateSet, p, saved.Stage, update.Actor)
		ev.CheckpointID = saved.ID
		ev.Detail = update.DueAt.UTC().Format(time.RFC3339)
		evs = append(evs, ev)
	}
	e.emit(ctx, evs...)
	return saved, nil
}

// PendingCheckpoint returns the pending checkpoint linked to st, or nil.
func (e *Engine) PendingCheckpoint(ctx context.Context, pipelineID string, st stage.Stage) (*pipeline.Checkpoint, error) {
	p, err := e.mustLoad(ctx, pipelineID, "pending checkpoint")
	if err != nil {
		return nil, err
	}
	record := p.Record(st)
	if record == nil || record.CheckpointID == "" {
		return nil, nil
	}
	cp, err := e.store.LoadCheckpoint(ctx, record.CheckpointID)
	if err != nil || cp == nil {
		return nil, err
	}
	if cp.Status != pipeline.CheckpointPending {
		return nil, nil
	}
	return cp, nil
}

// PendingReviews lists checkpoints awaiting user's decision.
func (e *Engine) PendingReviews(ctx context.Context, user string) ([]*pipeline.Checkpoint, error) {
	checkpoints, err := e.store.ListCheckpointsForReviewer(ctx, user, pipeline.CheckpointPending)
	if err != nil {
		return nil, err
	}
	out := checkpoints[:0]
	for _, cp := range checkpoints {
		if !cp.HasDecided(user) {
			out = append(out, cp)
		}
	}
	return out, nil
}

// Notify sends a free-form notice about a pipeline to recipients and reports
// delivery failures.
func (e *Engine) Notify(ctx context.Context, pipelineID string, st stage.Stage, recipients []string, message, actor string) error {
	p, err := e.mustLoad(ctx, pipelineID, "notify")
	if err != nil {
		return err
	}
	recipients = uniqueUsers(recipients)
	if len(recipients) == 0 {
		return services.Wrap(services.ErrValidation, "workflow", "notify", "no recipients", nil)
	}
	ev := eventFor(events.RuleNotice, p, st, actor)
	ev.Recipients = recipients
	ev.Detail = message
	return errors.Join(e.emit(e.contextFor(ctx, p, actor), ev)...)
}
