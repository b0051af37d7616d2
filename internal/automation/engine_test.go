package automation_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/automation"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/events"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/store"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/testsupport"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/workflow"
)

type fixture struct {
	store    *store.Store
	workflow *workflow.Engine
	rules    *automation.Engine
	registry *prometheus.Registry
	now      time.Time
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	dispatcher := events.NewDispatcher(logging.NewNop())
	wf := workflow.NewEngine(cfg, st, dispatcher, logging.NewNop())
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	reg := prometheus.NewRegistry()
	rules := automation.NewEngine(st, wf, logging.NewNop(),
		automation.WithClock(func() time.Time { return now }),
		automation.WithRegisterer(reg),
	)
	return fixture{store: st, workflow: wf, rules: rules, registry: reg, now: now}
}

func (f fixture) pipelineAt(t *testing.T, target stage.Stage) *pipeline.Pipeline {
	t.Helper()
	ctx := context.Background()
	p, err := f.workflow.Create(ctx, "p1", "lead")
	require.NoError(t, err)
	for p.CurrentStage != target {
		res, err := f.workflow.Advance(ctx, p.ID, "lead")
		require.NoError(t, err)
		p = res.Pipeline
	}
	return p
}

func TestCreateRuleValidatesAndPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rules.CreateRule(ctx, pipeline.Rule{
		Stage:   stage.IdeaReview,
		Owner:   "ops",
		Actions: []pipeline.Action{{Type: pipeline.ActionNotify}},
	})
	assert.ErrorIs(t, err, services.ErrValidation)

	created, err := f.rules.CreateRule(ctx, pipeline.Rule{
		Name:    " fast track ",
		Stage:   stage.IdeaReview,
		Owner:   "ops",
		Active:  true,
		Actions: []pipeline.Action{{Type: pipeline.ActionAutoApprove}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "fast track", created.Name)
	assert.Equal(t, f.now, created.CreatedAt)

	active, err := f.store.ActiveRulesForStage(ctx, stage.IdeaReview)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, created.ID, active[0].ID)
}

func TestEvaluateAutoApproveAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pipelineAt(t, stage.IdeaReview)

	rule, err := f.rules.CreateRule(ctx, pipeline.Rule{
		Stage:      stage.IdeaReview,
		Owner:      "ops",
		Active:     true,
		Conditions: []pipeline.Condition{{Field: "score", Operator: pipeline.OpGreaterThan, Value: "80"}},
		Actions:    []pipeline.Action{{Type: pipeline.ActionAutoApprove}},
	})
	require.NoError(t, err)

	miss := f.rules.Evaluate(ctx, p.ID, stage.IdeaReview, map[string]any{"score": 40})
	assert.Empty(t, miss.Matched)
	assert.Empty(t, miss.Executed)

	hit := f.rules.Evaluate(ctx, p.ID, stage.IdeaReview, map[string]any{"score": 95})
	assert.Equal(t, []string{rule.ID}, hit.Matched)
	require.Len(t, hit.Executed, 1)
	assert.Empty(t, hit.Failures)

	reloaded, err := f.workflow.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.Script, reloaded.CurrentStage)

	again := f.rules.Evaluate(ctx, p.ID, stage.IdeaReview, map[string]any{"score": 95})
	require.Len(t, again.Failures, 1)
	assert.ErrorIs(t, again.Failures[0].Err, services.ErrInvalidTransition)

	expected := `
# HELP episodes_automation_actions_total Rule actions executed, by action type and result.
# TYPE episodes_automation_actions_total counter
episodes_automation_actions_total{action="auto_approve",result="failed"} 1
episodes_automation_actions_total{action="auto_approve",result="ok"} 1
`
	require.NoError(t, testutil.GatherAndCompare(f.registry, strings.NewReader(expected), "episodes_automation_actions_total"))
}

func TestEvaluateIsolatesFailingActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pipelineAt(t, stage.Script)

	failing, err := f.rules.CreateRule(ctx, pipeline.Rule{
		Stage:    stage.Script,
		Owner:    "ops",
		Active:   true,
		Priority: 1,
		Actions: []pipeline.Action{
			{Type: pipeline.ActionAssignReviewer, AssignReviewer: &pipeline.AssignReviewerConfig{Reviewers: []string{"kim"}}},
			{Type: pipeline.ActionNotify, Notify: &pipeline.NotifyConfig{Recipients: []string{"kim"}}},
		},
	})
	require.NoError(t, err)
	gate, err := f.rules.CreateRule(ctx, pipeline.Rule{
		Stage:    stage.Script,
		Owner:    "ops",
		Active:   true,
		Priority: 2,
		Actions: []pipeline.Action{{Type: pipeline.ActionRequireApproval, RequireApproval: &pipeline.RequireApprovalConfig{
			Reviewers: []string{"kim", "lee"}, RequiredApprovals: 2,
		}}},
	})
	require.NoError(t, err)

	report := f.rules.Evaluate(ctx, p.ID, stage.Script, nil)
	assert.Equal(t, []string{failing.ID, gate.ID}, report.Matched)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, pipeline.ActionAssignReviewer, report.Failures[0].Action)
	assert.ErrorIs(t, report.Failures[0].Err, services.ErrNotFound)
	require.Len(t, report.Executed, 2)
	assert.Equal(t, pipeline.ActionNotify, report.Executed[0].Action)
	assert.Equal(t, pipeline.ActionRequireApproval, report.Executed[1].Action)

	cp, err := f.workflow.PendingCheckpoint(ctx, p.ID, stage.Script)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, []string{"kim", "lee"}, cp.AssignedTo)
	assert.Equal(t, 2, cp.RequiredApprovals)
	assert.Equal(t, "ops", cp.SubmittedBy)
}

func TestEvaluateMutatesPendingCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pipelineAt(t, stage.VideoQA)

	_, err := f.rules.CreateRule(ctx, pipeline.Rule{
		Stage:  stage.VideoQA,
		Owner:  "ops",
		Active: true,
		Actions: []pipeline.Action{
			{Type: pipeline.ActionAssignReviewer, AssignReviewer: &pipeline.AssignReviewerConfig{Reviewers: []string{"qa"}}},
			{Type: pipeline.ActionSetDueDate, SetDueDate: &pipeline.SetDueDateConfig{After: pipeline.Duration(24 * time.Hour)}},
		},
	})
	require.NoError(t, err)

	report := f.rules.Evaluate(ctx, p.ID, stage.VideoQA, map[string]any{})
	assert.Empty(t, report.Failures)
	assert.Len(t, report.Executed, 2)

	cp, err := f.workflow.PendingCheckpoint(ctx, p.ID, stage.VideoQA)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, []string{"lead", "qa"}, cp.AssignedTo)
	require.NotNil(t, cp.DueAt)
	assert.True(t, cp.DueAt.Equal(f.now.Add(24*time.Hour)))
}

func TestEvaluateSkipsInactiveRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pipelineAt(t, stage.IdeaReview)

	_, err := f.rules.CreateRule(ctx, pipeline.Rule{
		Stage:   stage.IdeaReview,
		Owner:   "ops",
		Actions: []pipeline.Action{{Type: pipeline.ActionAutoApprove}},
	})
	require.NoError(t, err)

	report := f.rules.Evaluate(ctx, p.ID, stage.IdeaReview, nil)
	assert.Empty(t, report.Matched)
}

type brokenRules struct{}

func (brokenRules) CreateRule(context.Context, *pipeline.Rule) error { return nil }

func (brokenRules) ActiveRulesForStage(context.Context, stage.Stage) ([]*pipeline.Rule, error) {
	return nil, errors.New("disk on fire")
}

func TestEvaluateNeverReturnsLoadErrors(t *testing.T) {
	engine := automation.NewEngine(brokenRules{}, nil, logging.NewNop())
	report := engine.Evaluate(context.Background(), "p", stage.Idea, nil)
	assert.Empty(t, report.Matched)
	require.Len(t, report.Failures, 1)
	assert.EqualError(t, report.Failures[0].Err, "disk on fire")
}

type panickyRules struct{ rules []*pipeline.Rule }

func (panickyRules) CreateRule(context.Context, *pipeline.Rule) error { return nil }

func (r panickyRules) ActiveRulesForStage(context.Context, stage.Stage) ([]*pipeline.Rule, error) {
	return r.rules, nil
}

type panickyActions struct {
	notified []string
}

func (a *panickyActions) CreateCheckpoint(context.Context, pipeline.CheckpointRequest) (*pipeline.Checkpoint, error) {
	panic("boom")
}

func (a *panickyActions) AdvanceFrom(context.Context, string, stage.Stage, string) (workflow.AdvanceResult, error) {
	return workflow.AdvanceResult{}, nil
}

func (a *panickyActions) UpdateCheckpointMeta(context.Context, string, workflow.MetaUpdate) (*pipeline.Checkpoint, error) {
	return nil, nil
}

func (a *panickyActions) PendingCheckpoint(context.Context, string, stage.Stage) (*pipeline.Checkpoint, error) {
	return nil, nil
}

func (a *panickyActions) Notify(_ context.Context, _ string, _ stage.Stage, recipients []string, _, _ string) error {
	a.notified = append(a.notified, recipients...)
	return nil
}

func TestEvaluateRecoversFromPanickingAction(t *testing.T) {
	rules := panickyRules{rules: []*pipeline.Rule{
		{ID: "r1", Stage: stage.Script, Owner: "ops", Active: true, Actions: []pipeline.Action{
			{Type: pipeline.ActionRequireApproval, RequireApproval: &pipeline.RequireApprovalConfig{}},
		}},
		{ID: "r2", Stage: stage.Script, Owner: "ops", Active: true, Actions: []pipeline.Action{
			{Type: pipeline.ActionNotify, Notify: &pipeline.NotifyConfig{Recipients: []string{"kim"}}},
		}},
	}}
	actions := &panickyActions{}
	engine := automation.NewEngine(rules, actions, logging.NewNop())

	report := engine.Evaluate(context.Background(), "p", stage.Script, nil)
	assert.Equal(t, []string{"r1", "r2"}, report.Matched)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0].Err.Error(), "boom")
	assert.Equal(t, []string{"kim"}, actions.notified)
}

func TestImportYAML(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := `
rules:
  - name: fast track strong ideas
    stage: idea-review
    priority: 1
    conditions:
      - field: score
        operator: greater_than
        value: "90"
    actions:
      - type: auto_approve
  - name: qa deadline
    stage: video_qa
    actions:
      - type: set_due_date
        set_due_date:
          after: 36h
  - name: broken
    stage: editing
    actions:
      - type: auto_approve
  - name: disabled
    stage: script
    active: false
    actions:
      - type: notify
        notify:
          recipients: [kim]
`
	result, err := f.rules.ImportYAML(ctx, strings.NewReader(doc), "ops")
	require.NoError(t, err)
	require.Len(t, result.Created, 3)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 2, result.Failed[0].Index)
	assert.ErrorIs(t, result.Failed[0].Err, services.ErrValidation)

	first := result.Created[0]
	assert.Equal(t, stage.IdeaReview, first.Stage)
	assert.Equal(t, "90", first.Conditions[0].Value)
	assert.True(t, first.Active)
	assert.Equal(t, 36*time.Hour, result.Created[1].Actions[0].SetDueDate.After.Std())
	assert.False(t, result.Created[2].Active)

	_, err = f.rules.ImportYAML(ctx, strings.NewReader("rules: [\n"), "ops")
	assert.Error(t, err)
}
