package metrics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/testsupport"
)

var base = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func instance(st stage.Stage, status pipeline.StageStatus, d time.Duration) pipeline.StageInstance {
	started := base
	inst := pipeline.StageInstance{PipelineID: "p-" + string(st), Stage: st, Status: status, StartedAt: &started}
	if status == pipeline.StageCompleted {
		completed := base.Add(d)
		inst.CompletedAt = &completed
		inst.Duration = d
	}
	return inst
}

func checkpoint(st stage.Stage, status pipeline.CheckpointStatus, wait time.Duration, feedback string) *pipeline.Checkpoint {
	cp := &pipeline.Checkpoint{Stage: st, Status: status, SubmittedAt: base}
	if status != pipeline.CheckpointPending {
		resolved := base.Add(wait)
		cp.ResolvedAt = &resolved
	}
	if status == pipeline.CheckpointRejected {
		cp.Approvals = []pipeline.Approval{{Reviewer: "r", Decision: pipeline.DecisionRejected, Feedback: feedback}}
	}
	return cp
}

func TestComputeRates(t *testing.T) {
	var instances []pipeline.StageInstance
	for i := 0; i < 5; i++ {
		instances = append(instances, instance(stage.Script, pipeline.StageCompleted, time.Duration(i+1)*time.Hour))
	}
	for i := 0; i < 5; i++ {
		inst := instance(stage.Script, pipeline.StageInProgress, 0)
		inst.Reset = i%2 == 0
		instances = append(instances, inst)
	}
	instances = append(instances, instance(stage.Video, pipeline.StageCompleted, time.Hour))

	var checkpoints []*pipeline.Checkpoint
	for i := 0; i < 6; i++ {
		checkpoints = append(checkpoints, checkpoint(stage.Script, pipeline.CheckpointApproved, time.Duration(i+1)*time.Hour, ""))
	}
	checkpoints = append(checkpoints,
		checkpoint(stage.Script, pipeline.CheckpointRejected, time.Hour, "intro too long"),
		checkpoint(stage.Script, pipeline.CheckpointRejected, time.Hour, "the intro drags"),
		checkpoint(stage.Idea, pipeline.CheckpointRejected, time.Hour, ""),
	)

	m := Compute(stage.Script, instances, checkpoints)
	assert.Equal(t, 10, m.Instances)
	assert.Equal(t, 5, m.Completed)
	assert.Equal(t, 50.0, m.CompletionRate)
	assert.Equal(t, 3*time.Hour, m.AverageDuration)
	assert.Equal(t, 8, m.Checkpoints)
	assert.Equal(t, 2, m.Rejected)
	assert.Equal(t, 25.0, m.RevisionRate)
	assert.Equal(t, 210*time.Minute, m.AverageApprovalTime)
	assert.Equal(t, []string{"intro"}, m.RecurringIssues)
}

func TestComputeEmpty(t *testing.T) {
	m := Compute(stage.Storyboard, nil, nil)
	assert.Zero(t, m.CompletionRate)
	assert.Zero(t, m.RevisionRate)
	assert.Zero(t, m.AverageDuration)
	assert.Zero(t, m.AverageApprovalTime)
	assert.Empty(t, m.RecurringIssues)
}

func TestApprovalTimeIgnoresUnresolved(t *testing.T) {
	unresolved := &pipeline.Checkpoint{Stage: stage.VideoQA, Status: pipeline.CheckpointApproved, SubmittedAt: base}
	m := Compute(stage.VideoQA, nil, []*pipeline.Checkpoint{
		unresolved,
		checkpoint(stage.VideoQA, pipeline.CheckpointApproved, 4*time.Hour, ""),
		checkpoint(stage.VideoQA, pipeline.CheckpointPending, 0, ""),
	})
	assert.Equal(t, 4*time.Hour, m.AverageApprovalTime)
	assert.Equal(t, 3, m.Checkpoints)
}

func TestReportThresholds(t *testing.T) {
	var checkpoints []*pipeline.Checkpoint
	// idea_review: 1 of 4 rejected (25%) and fast approvals: bottleneck only.
	for i := 0; i < 3; i++ {
		checkpoints = append(checkpoints, checkpoint(stage.IdeaReview, pipeline.CheckpointApproved, time.Hour, ""))
	}
	checkpoints = append(checkpoints, checkpoint(stage.IdeaReview, pipeline.CheckpointRejected, time.Hour, ""))
	// script_approval: 2 of 5 rejected (40%): bottleneck and guideline hint.
	for i := 0; i < 3; i++ {
		checkpoints = append(checkpoints, checkpoint(stage.ScriptApproval, pipeline.CheckpointApproved, time.Hour, ""))
	}
	for i := 0; i < 2; i++ {
		checkpoints = append(checkpoints, checkpoint(stage.ScriptApproval, pipeline.CheckpointRejected, time.Hour, ""))
	}
	// video_qa: approvals average 60h: bottleneck and capacity hint.
	checkpoints = append(checkpoints, checkpoint(stage.VideoQA, pipeline.CheckpointApproved, 60*time.Hour, ""))
	// storyboard_approval: exactly 24h is not above the threshold.
	checkpoints = append(checkpoints, checkpoint(stage.StoryboardApproval, pipeline.CheckpointApproved, 24*time.Hour, ""))

	published := instance(stage.Published, pipeline.StageCompleted, 0)
	reset := instance(stage.Script, pipeline.StageInProgress, 0)
	reset.Reset = true
	window := Window{Since: base.Add(-time.Hour), Until: base.Add(time.Hour)}

	report := Report(window, []pipeline.StageInstance{published, reset}, checkpoints, DefaultThresholds())
	assert.Equal(t, window, report.Window)
	assert.Len(t, report.Stages, stage.Count())
	assert.Equal(t, []stage.Stage{stage.IdeaReview, stage.ScriptApproval, stage.VideoQA}, report.Bottlenecks)
	require.Len(t, report.Recommendations, 2)
	assert.Contains(t, report.Recommendations[0], "40%")
	assert.Contains(t, report.Recommendations[1], "60h")
	assert.Equal(t, Totals{Pipelines: 2, Published: 1, Instances: 2, Checkpoints: 11, Rejected: 3, Rollbacks: 1}, report.Totals)
}

func TestPerformance(t *testing.T) {
	p := pipeline.New("pl", "proj", "u1", base)
	p.Stages[0].Status = pipeline.StageCompleted
	done := base.Add(2 * time.Hour)
	p.Stages[0].CompletedAt = &done
	p.Stages[0].Duration = 2 * time.Hour
	p.Stages[0].Artifacts = []pipeline.Artifact{{ID: "a"}}
	started := done
	p.Stages[1].Status = pipeline.StageInProgress
	p.Stages[1].StartedAt = &started
	p.Stages[1].CheckpointID = "cp"
	p.CurrentStage = stage.IdeaReview

	perf := Performance(p, done.Add(30*time.Minute))
	require.Len(t, perf, stage.Count())
	assert.Equal(t, 2*time.Hour, perf[0].Elapsed)
	assert.Equal(t, 1, perf[0].Artifacts)
	assert.Equal(t, 30*time.Minute, perf[1].Elapsed)
	assert.Equal(t, "cp", perf[1].CheckpointID)
	assert.Zero(t, perf[2].Elapsed)
	assert.Equal(t, pipeline.StageNotStarted, perf[2].Status)
	assert.Nil(t, Performance(nil, base))
}

type fakeSource struct {
	calls       atomic.Int32
	release     chan struct{}
	instances   []pipeline.StageInstance
	checkpoints []*pipeline.Checkpoint
	err         error
	since       time.Time
	until       time.Time
}

func (f *fakeSource) StageHistory(_ context.Context, since, until time.Time) ([]pipeline.StageInstance, error) {
	f.calls.Add(1)
	f.since, f.until = since, until
	if f.release != nil {
		<-f.release
	}
	return f.instances, f.err
}

func (f *fakeSource) CheckpointsBetween(context.Context, time.Time, time.Time) ([]*pipeline.Checkpoint, error) {
	return f.checkpoints, nil
}

func TestServiceDefaultsWindow(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Metrics.DefaultWindowDays = 7
	source := &fakeSource{instances: []pipeline.StageInstance{instance(stage.Idea, pipeline.StageCompleted, time.Hour)}}
	svc := NewService(cfg, source, logging.NewNop())
	svc.now = func() time.Time { return base }

	m, err := svc.StageMetrics(context.Background(), stage.Idea, Window{})
	require.NoError(t, err)
	assert.Equal(t, 100.0, m.CompletionRate)
	assert.Equal(t, base.Add(-7*24*time.Hour), source.since)
	assert.Equal(t, base, source.until)

	_, err = svc.StageMetrics(context.Background(), stage.Stage("b-roll"), Window{})
	assert.ErrorIs(t, err, services.ErrValidation)
	_, err = svc.Report(context.Background(), Window{Since: base, Until: base.Add(-time.Hour)})
	assert.ErrorIs(t, err, services.ErrValidation)
}

func TestServiceReportSharesConcurrentRequests(t *testing.T) {
	source := &fakeSource{release: make(chan struct{})}
	svc := NewService(testsupport.NewConfig(t), source, logging.NewNop())
	window := Window{Since: base, Until: base.Add(time.Hour)}

	const callers = 4
	var wg sync.WaitGroup
	reports := make([]PipelineReport, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := svc.Report(context.Background(), window)
			assert.NoError(t, err)
			reports[i] = report
		}()
	}
	require.Eventually(t, func() bool { return source.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(source.release)
	wg.Wait()

	assert.LessOrEqual(t, int(source.calls.Load()), callers)
	for _, report := range reports {
		assert.Equal(t, window, report.Window)
	}
}

func TestServiceReportPropagatesLoadErrors(t *testing.T) {
	source := &fakeSource{err: errors.New("locked")}
	svc := NewService(testsupport.NewConfig(t), source, logging.NewNop())
	_, err := svc.Report(context.Background(), Window{})
	assert.ErrorContains(t, err, "locked")
}

func TestRecurringIssuesIgnoreShortWords(t *testing.T) {
	feedback := []string{
		"Bad VO and the logo is off",
		"bad vo again, logo too small",
		"the logo feels bad",
	}
	assert.Equal(t, []string{"logo"}, recurringIssues(feedback, recurringIssueLimit))

	assert.Equal(t, []string{"pace", "tone"}, recurringIssues([]string{"tone, pace", "pace; tone"}, recurringIssueLimit))
}
