package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/events"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/store"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/testsupport"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/workflow"
)

type eventRecorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *eventRecorder) Handle(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func (r *eventRecorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.evs))
	for _, ev := range r.evs {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *eventRecorder) count(kind events.Kind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type harness struct {
	engine   *workflow.Engine
	store    *store.Store
	recorder *eventRecorder
}

func newHarness(t *testing.T) harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	recorder := &eventRecorder{}
	dispatcher := events.NewDispatcher(logging.NewNop())
	dispatcher.Register("recorder", recorder)
	return harness{
		engine:   workflow.NewEngine(cfg, st, dispatcher, logging.NewNop()),
		store:    st,
		recorder: recorder,
	}
}

func (h harness) advanceTo(t *testing.T, p *pipeline.Pipeline, target stage.Stage) *pipeline.Pipeline {
	t.Helper()
	ctx := context.Background()
	for p.CurrentStage != target {
		res, err := h.engine.Advance(ctx, p.ID, "u1")
		require.NoError(t, err)
		p = res.Pipeline
	}
	return p
}

func TestEndToEndApprovalAdvances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.engine.Create(ctx, "p1", "u1")
	require.NoError(t, err)
	assert.Equal(t, stage.Idea, p.CurrentStage)
	assert.Equal(t, pipeline.StageInProgress, p.Record(stage.Idea).Status)
	for _, record := range p.Stages[1:] {
		assert.Equal(t, pipeline.StageNotStarted, record.Status)
	}

	res, err := h.engine.Advance(ctx, p.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, stage.IdeaReview, res.Pipeline.CurrentStage)
	require.NotNil(t, res.Checkpoint)
	assert.Equal(t, []string{"u1"}, res.Checkpoint.AssignedTo)
	assert.Equal(t, 1, res.Checkpoint.RequiredApprovals)
	assert.Equal(t, pipeline.CheckpointPending, res.Checkpoint.Status)
	assert.Equal(t, res.Checkpoint.ID, res.Pipeline.Record(stage.IdeaReview).CheckpointID)

	completed := res.Pipeline.Record(stage.Idea)
	require.NotNil(t, completed.CompletedAt)
	assert.Equal(t, completed.CompletedAt.Sub(*completed.StartedAt), completed.Duration)

	decision, err := h.engine.Approve(ctx, res.Checkpoint.ID, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.CheckpointApproved, decision.Checkpoint.Status)
	require.NotNil(t, decision.Advance)
	assert.Equal(t, stage.Script, decision.Advance.Pipeline.CurrentStage)
	assert.NotEmpty(t, decision.Advance.Job)

	jobs, err := h.store.ListJobs(ctx, pipeline.JobQueued)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stage.JobScriptGeneration, jobs[0].Type)
	assert.Equal(t, 5, jobs[0].Priority)

	assert.Equal(t, 1, h.recorder.count(events.PipelineCreated))
	assert.Equal(t, 1, h.recorder.count(events.CheckpointCreated))
	assert.Equal(t, 1, h.recorder.count(events.CheckpointResolved))
	assert.Equal(t, 2, h.recorder.count(events.StageAdvanced))
	assert.Equal(t, 1, h.recorder.count(events.JobDispatched))
}

func TestCreateRejectsSecondPipelineAndBlankInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Create(ctx, "p1", "u1")
	require.NoError(t, err)
	_, err = h.engine.Create(ctx, "p1", "u2")
	assert.ErrorIs(t, err, services.ErrConflict)

	_, err = h.engine.Create(ctx, " ", "u1")
	assert.ErrorIs(t, err, services.ErrValidation)
	_, err = h.engine.Create(ctx, "p2", "")
	assert.ErrorIs(t, err, services.ErrValidation)

	missing, err := h.engine.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
	_, err = h.engine.Advance(ctx, "nope", "u1")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestAdvanceToTerminalAndBeyond(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.engine.Create(ctx, "p1", "u1")
	require.NoError(t, err)

	p = h.advanceTo(t, p, stage.Published)
	assert.True(t, p.Completed())
	assert.Equal(t, 0, p.InProgressCount())
	for _, record := range p.Stages {
		assert.Equal(t, pipeline.StageCompleted, record.Status, record.Stage)
	}
	assert.Equal(t, 100.0, p.ProgressPercent())
	assert.Equal(t, 1, h.recorder.count(events.PipelinePublished))

	_, err = h.engine.Advance(ctx, p.ID, "u1")
	assert.ErrorIs(t, err, services.ErrInvalidTransition)

	reloaded, err := h.engine.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Version, reloaded.Version)
}

func TestRollbackResetsLaterStagesAndKeepsArtifacts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.engine.Create(ctx, "p1", "u1")
	require.NoError(t, err)
	p = h.advanceTo(t, p, stage.Script)

	_, err = h.engine.AddArtifact(ctx, p.ID, stage.Script, workflow.ArtifactInput{
		Type: pipeline.ArtifactScript, URL: "https://cdn.example/draft.md", CreatedBy: "writer",
	})
	require.NoError(t, err)
	p = h.advanceTo(t, p, stage.Storyboard)
	ideaBefore := *p.Record(stage.Idea)

	rolled, err := h.engine.Rollback(ctx, p.ID, stage.Script, "editor", "tone is off")
	require.NoError(t, err)
	assert.Equal(t, stage.Script, rolled.CurrentStage)
	assert.Equal(t, 1, rolled.InProgressCount())
	assert.Equal(t, 1, rolled.Metrics.Rollbacks)

	script := rolled.Record(stage.Script)
	assert.Equal(t, pipeline.StageInProgress, script.Status)
	require.Len(t, script.Artifacts, 1)
	assert.Equal(t, "https://cdn.example/draft.md", script.Artifacts[0].URL)
	for _, st := range []stage.Stage{stage.ScriptApproval, stage.Storyboard, stage.Published} {
		assert.Equal(t, pipeline.StageNotStarted, rolled.Record(st).Status, st)
		assert.Empty(t, rolled.Record(st).CheckpointID, st)
	}
	assert.Equal(t, ideaBefore.Status, rolled.Record(stage.Idea).Status)
	assert.Equal(t, ideaBefore.CompletedAt, rolled.Record(stage.Idea).CompletedAt)

	_, err = h.engine.Rollback(ctx, p.ID, stage.Script, "editor", "")
	assert.ErrorIs(t, err, services.ErrInvalidTransition)
	_, err = h.engine.Rollback(ctx, p.ID, stage.Video, "editor", "")
	assert.ErrorIs(t, err, services.ErrInvalidTransition)
	_, err = h.engine.Rollback(ctx, p.ID, stage.Stage("bogus"), "editor", "")
	assert.ErrorIs(t, err, services.ErrValidation)
}

func TestAddArtifactValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.engine.Create(ctx, "p1", "u1")
	require.NoError(t, err)

	_, err = h.engine.AddArtifact(ctx, p.ID, stage.Idea, workflow.ArtifactInput{Type: "gif"})
	assert.ErrorIs(t, err, services.ErrValidation)
	_, err = h.engine.AddArtifact(ctx, p.ID, stage.Idea, workflow.ArtifactInput{Type: pipeline.ArtifactScript, Payload: json.RawMessage("{")})
	assert.ErrorIs(t, err, services.ErrValidation)
	_, err = h.engine.AddArtifact(ctx, "missing", stage.Idea, workflow.ArtifactInput{Type: pipeline.ArtifactScript})
	assert.ErrorIs(t, err, services.ErrNotFound)

	artifact, err := h.engine.AddArtifact(ctx, p.ID, stage.Video, workflow.ArtifactInput{Type: pipeline.ArtifactVideo})
	require.NoError(t, err)
	assert.Equal(t, stage.Video, artifact.Stage)

	reloaded, err := h.engine.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.Idea, reloaded.CurrentStage)
	assert.Equal(t, pipeline.StageNotStarted, reloaded.Record(stage.Video).Status)
	assert.Len(t, reloaded.Record(stage.Video).Artifacts, 1)
}

func openReview(t *testing.T, h harness, reviewers []string, quorum int) (*pipeline.Pipeline, *pipeline.Checkpoint) {
	t.Helper()
	ctx := context.Background()
	p, err := h.engine.Create(ctx, "p1", "u1")
	require.NoError(t, err)
	p = h.advanceTo(t, p, stage.IdeaReview)
	cp, err := h.engine.CreateCheckpoint(ctx, pipeline.CheckpointRequest{
		PipelineID:        p.ID,
		Stage:             stage.IdeaReview,
		SubmittedBy:       "u1",
		AssignedTo:        reviewers,
		RequiredApprovals: quorum,
	})
	require.NoError(t, err)
	return p, cp
}

func TestQuorumOfTwoApprovalsAdvances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, cp := openReview(t, h, []string{"a", "b", "c"}, 2)

	first, err := h.engine.Approve(ctx, cp.ID, "a", "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.CheckpointPending, first.Checkpoint.Status)
	assert.Nil(t, first.Advance)

	second, err := h.engine.Approve(ctx, cp.ID, "b", "ship it")
	require.NoError(t, err)
	assert.Equal(t, pipeline.CheckpointApproved, second.Checkpoint.Status)
	assert.Equal(t, 2, second.Checkpoint.CurrentApprovals())
	require.NotNil(t, second.Advance)
	assert.Equal(t, stage.Script, second.Advance.Pipeline.CurrentStage)

	_, err = h.engine.Approve(ctx, cp.ID, "c", "")
	assert.ErrorIs(t, err, services.ErrInvalidTransition)

	reloaded, err := h.engine.Get(ctx, p.ID)
	require.NoError(t, err)
	feedback := reloaded.Record(stage.IdeaReview).Artifacts
	require.Len(t, feedback, 1)
	assert.Equal(t, pipeline.ArtifactFeedback, feedback[0].Type)
}

func TestRejectionFinalizesRegardlessOfApprovals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, cp := openReview(t, h, []string{"a", "b", "c"}, 2)

	_, err := h.engine.Approve(ctx, cp.ID, "a", "")
	require.NoError(t, err)
	rejected, err := h.engine.Reject(ctx, cp.ID, "b", "weak hook")
	require.NoError(t, err)
	assert.Equal(t, pipeline.CheckpointRejected, rejected.Checkpoint.Status)
	assert.NotNil(t, rejected.Checkpoint.ResolvedAt)
	assert.Nil(t, rejected.Advance)

	_, err = h.engine.Approve(ctx, cp.ID, "c", "")
	assert.ErrorIs(t, err, services.ErrInvalidTransition)

	reloaded, err := h.engine.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.IdeaReview, reloaded.CurrentStage)
}

func TestRejectionBeforeAnyApprovalBlocksStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, cp := openReview(t, h, []string{"a", "b", "c"}, 2)

	rejected, err := h.engine.Reject(ctx, cp.ID, "a", "off brand")
	require.NoError(t, err)
	assert.Equal(t, pipeline.CheckpointRejected, rejected.Checkpoint.Status)
	assert.Equal(t, 0, rejected.Checkpoint.CurrentApprovals())
	assert.Nil(t, rejected.Advance)
	assert.NoError(t, rejected.AdvanceErr)

	_, err = h.engine.Approve(ctx, cp.ID, "b", "")
	assert.ErrorIs(t, err, services.ErrInvalidTransition)

	_, err = h.engine.Advance(ctx, p.ID, "u1")
	assert.ErrorIs(t, err, services.ErrInvalidTransition)
	_, err = h.engine.AdvanceFrom(ctx, p.ID, stage.IdeaReview, "rules")
	assert.ErrorIs(t, err, services.ErrInvalidTransition)

	reloaded, err := h.engine.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.IdeaReview, reloaded.CurrentStage)
	assert.Equal(t, p.Version, reloaded.Version)
	assert.Equal(t, 1, h.recorder.count(events.StageAdvanced))
}

func TestResubmittingRejectedStageUnblocksAdvance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, cp := openReview(t, h, []string{"a"}, 1)

	_, err := h.engine.Reject(ctx, cp.ID, "a", "try again")
	require.NoError(t, err)

	resubmitted, err := h.engine.CreateCheckpoint(ctx, pipeline.CheckpointRequest{
		PipelineID: p.ID, Stage: stage.IdeaReview, SubmittedBy: "u1", AssignedTo: []string{"a"},
	})
	require.NoError(t, err)
	decision, err := h.engine.Approve(ctx, resubmitted.ID, "a", "")
	require.NoError(t, err)
	require.NotNil(t, decision.Advance)
	assert.Equal(t, stage.Script, decision.Advance.Pipeline.CurrentStage)

	// A rollback clears the rejected link as well.
	other, err := h.engine.Create(ctx, "p2", "u1")
	require.NoError(t, err)
	first, err := h.engine.Advance(ctx, other.ID, "u1")
	require.NoError(t, err)
	_, err = h.engine.Reject(ctx, first.Checkpoint.ID, "u1", "no")
	require.NoError(t, err)
	_, err = h.engine.Rollback(ctx, other.ID, stage.Idea, "u1", "rework")
	require.NoError(t, err)
	res, err := h.engine.Advance(ctx, other.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, stage.IdeaReview, res.Pipeline.CurrentStage)
	require.NotNil(t, res.Checkpoint)
}

func TestStaleCheckpointCannotAdvance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.engine.Create(ctx, "p1", "u1")
	require.NoError(t, err)

	first, err := h.engine.Advance(ctx, p.ID, "u1")
	require.NoError(t, err)
	_, err = h.engine.Rollback(ctx, p.ID, stage.Idea, "u1", "rework")
	require.NoError(t, err)
	second, err := h.engine.Advance(ctx, p.ID, "u1")
	require.NoError(t, err)
	require.NotNil(t, second.Checkpoint)

	// The checkpoint opened before the rollback no longer gates the stage.
	_, err = h.engine.Approve(ctx, first.Checkpoint.ID, "u1", "")
	assert.ErrorIs(t, err, services.ErrInvalidTransition)
	current, err := h.engine.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.IdeaReview, current.CurrentStage)
	fresh, err := h.store.LoadCheckpoint(ctx, second.Checkpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.CheckpointPending, fresh.Status)

	// A stricter checkpoint replaces the default one; the default is retired.
	strict, err := h.engine.CreateCheckpoint(ctx, pipeline.CheckpointRequest{
		PipelineID:        p.ID,
		Stage:             stage.IdeaReview,
		SubmittedBy:       "rules",
		AssignedTo:        []string{"a", "b"},
		RequiredApprovals: 2,
	})
	require.NoError(t, err)
	_, err = h.engine.Approve(ctx, second.Checkpoint.ID, "u1", "")
	assert.ErrorIs(t, err, services.ErrInvalidTransition)

	reviews, err := h.engine.PendingReviews(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, reviews)

	one, err := h.engine.Approve(ctx, strict.ID, "a", "")
	require.NoError(t, err)
	assert.Nil(t, one.Advance)
	two, err := h.engine.Approve(ctx, strict.ID, "b", "")
	require.NoError(t, err)
	require.NotNil(t, two.Advance)
	assert.Equal(t, stage.Script, two.Advance.Pipeline.CurrentStage)
}

func TestDecisionErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, cp := openReview(t, h, []string{"a", "b"}, 2)

	_, err := h.engine.Approve(ctx, cp.ID, "mallory", "")
	assert.ErrorIs(t, err, services.ErrUnauthorized)

	_, err = h.engine.Approve(ctx, cp.ID, "a", "")
	require.NoError(t, err)
	_, err = h.engine.Reject(ctx, cp.ID, "a", "changed my mind")
	assert.ErrorIs(t, err, services.ErrDuplicateDecision)

	unchanged, err := h.store.LoadCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.CheckpointPending, unchanged.Status)
	assert.Len(t, unchanged.Approvals, 1)

	_, err = h.engine.Approve(ctx, "missing", "a", "")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestConcurrentDecisionsAreAllCounted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reviewers := make([]string, 24)
	for i := range reviewers {
		reviewers[i] = fmt.Sprintf("reviewer-%02d", i)
	}
	p, cp := openReview(t, h, reviewers, len(reviewers))

	var wg sync.WaitGroup
	errs := make([]error, len(reviewers))
	for i, reviewer := range reviewers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.Approve(ctx, cp.ID, reviewer, "")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	final, err := h.store.LoadCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.CheckpointApproved, final.Status)
	assert.Equal(t, len(reviewers), final.CurrentApprovals())
	assert.Len(t, final.Approvals, len(reviewers))
	assert.Equal(t, 1, h.recorder.count(events.CheckpointResolved))

	reloaded, err := h.engine.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.Script, reloaded.CurrentStage)
}

func TestDuplicateAdvanceFromFailsHarmlessly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.engine.Create(ctx, "p1", "u1")
	require.NoError(t, err)
	p = h.advanceTo(t, p, stage.ScriptApproval)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.AdvanceFrom(ctx, p.ID, stage.ScriptApproval, "u1")
		}()
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			assert.ErrorIs(t, err, services.ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, failures)

	reloaded, err := h.engine.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.Storyboard, reloaded.CurrentStage)
}

func TestBulkApprovePartialFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for _, project := range []string{"p1", "p2"} {
		p, err := h.engine.Create(ctx, project, "lead")
		require.NoError(t, err)
		res, err := h.engine.Advance(ctx, p.ID, "lead")
		require.NoError(t, err)
		ids = append(ids, res.Checkpoint.ID)
	}
	ids = append(ids, "missing")

	result := h.engine.BulkApprove(ctx, ids, "lead")
	assert.Equal(t, ids[:2], result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "missing", result.Failed[0].ID)
	assert.ErrorIs(t, result.Failed[0].Err, services.ErrNotFound)

	again := h.engine.BulkApprove(ctx, ids[:1], "lead")
	assert.Empty(t, again.Succeeded)
	require.Len(t, again.Failed, 1)
	assert.True(t, errors.Is(again.Failed[0].Err, services.ErrDuplicateDecision))
}

func TestUpdateCheckpointMeta(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, cp := openReview(t, h, []string{"a"}, 1)

	due := time.Now().Add(48 * time.Hour).UTC()
	updated, err := h.engine.UpdateCheckpointMeta(ctx, cp.ID, workflow.MetaUpdate{
		AddReviewers: []string{"a", "b"},
		DueAt:        &due,
		Actor:        "rules",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, updated.AssignedTo)
	require.NotNil(t, updated.DueAt)
	assert.WithinDuration(t, due, *updated.DueAt, time.Millisecond)
	assert.Equal(t, 1, h.recorder.count(events.ReviewersAssigned))
	assert.Equal(t, 1, h.recorder.count(events.DueDateSet))

	_, err = h.engine.Reject(ctx, cp.ID, "b", "")
	require.NoError(t, err)
	_, err = h.engine.UpdateCheckpointMeta(ctx, cp.ID, workflow.MetaUpdate{AddReviewers: []string{"c"}})
	assert.ErrorIs(t, err, services.ErrInvalidTransition)
}

func TestCreateCheckpointValidatesQuorum(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.engine.Create(ctx, "p1", "u1")
	require.NoError(t, err)

	_, err = h.engine.CreateCheckpoint(ctx, pipeline.CheckpointRequest{
		PipelineID: p.ID, Stage: stage.Idea, SubmittedBy: "u1", AssignedTo: []string{"a"}, RequiredApprovals: 2,
	})
	assert.ErrorIs(t, err, services.ErrValidation)

	cp, err := h.engine.CreateCheckpoint(ctx, pipeline.CheckpointRequest{
		PipelineID: p.ID, Stage: stage.Idea, SubmittedBy: "u1", RequiredApprovals: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, cp.AssignedTo)
	assert.Equal(t, 1, cp.RequiredApprovals)

	pending, err := h.engine.PendingCheckpoint(ctx, p.ID, stage.Idea)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, cp.ID, pending.ID)

	reviews, err := h.engine.PendingReviews(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, reviews, 1)
}

type failingJobs struct {
	*store.Store
}

func (failingJobs) Enqueue(context.Context, string, json.RawMessage, pipeline.JobOptions) (string, error) {
	return "", errors.New("runner unavailable")
}

func TestDispatchFailureKeepsTransition(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	engine := workflow.NewEngine(cfg, failingJobs{st}, nil, logging.NewNop())
	ctx := context.Background()

	p, err := engine.Create(ctx, "p1", "u1")
	require.NoError(t, err)
	first, err := engine.Advance(ctx, p.ID, "u1")
	require.NoError(t, err)

	res, err := engine.Advance(ctx, first.Pipeline.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, stage.Script, res.Pipeline.CurrentStage)
	assert.Error(t, res.DispatchErr)
	assert.Empty(t, res.Job)

	reloaded, err := engine.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.Script, reloaded.CurrentStage)
}

func TestNotifyRequiresRecipients(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.engine.Create(ctx, "p1", "u1")
	require.NoError(t, err)

	assert.ErrorIs(t, h.engine.Notify(ctx, p.ID, stage.Idea, nil, "hi", "rules"), services.ErrValidation)
	require.NoError(t, h.engine.Notify(ctx, p.ID, stage.Idea, []string{"a", "a", "b"}, "hi", "rules"))
	assert.Equal(t, 1, h.recorder.count(events.RuleNotice))
}
