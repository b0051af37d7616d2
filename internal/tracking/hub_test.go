package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

type listener struct {
	filter pipeline.ChangeFilter
	fn     func(pipeline.Change)
}

type fakeSource struct {
	mu        sync.Mutex
	listeners map[int]listener
	nextID    int
	pipelines map[string]*pipeline.Pipeline
	loadErr   error
}

func newFakeSource() *fakeSource {
	return &fakeSource{listeners: make(map[int]listener), pipelines: make(map[string]*pipeline.Pipeline)}
}

func (f *fakeSource) listen(filter pipeline.ChangeFilter, fn func(pipeline.Change)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = listener{filter: filter, fn: fn}
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeSource) fire(c pipeline.Change) {
	f.mu.Lock()
	var targets []func(pipeline.Change)
	for _, l := range f.listeners {
		if l.filter.Matches(c) {
			targets = append(targets, l.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range targets {
		fn(c)
	}
}

func (f *fakeSource) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeSource) setStage(projectID string, st stage.Stage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pipelines[projectID]
	if !ok {
		p = pipeline.New("pl-"+projectID, projectID, "owner", time.Now())
		f.pipelines[projectID] = p
	}
	p.CurrentStage = st
}

func (f *fakeSource) SubscribeByProject(projectID string, fn func(pipeline.Change)) func() {
	return f.listen(pipeline.ChangeFilter{ProjectID: projectID}, fn)
}

func (f *fakeSource) SubscribeByFilter(filter pipeline.ChangeFilter, fn func(pipeline.Change)) func() {
	return f.listen(filter, fn)
}

func (f *fakeSource) LoadPipelineByProject(_ context.Context, projectID string) (*pipeline.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	p, ok := f.pipelines[projectID]
	if !ok {
		return nil, nil
	}
	clone := *p
	clone.Metrics.Elapsed = time.Duration(time.Now().UnixNano())
	return &clone, nil
}

func (f *fakeSource) ListCheckpointsByPipeline(context.Context, string) ([]*pipeline.Checkpoint, error) {
	return nil, nil
}

func (f *fakeSource) ProjectHistory(context.Context, string, int) ([]pipeline.Activity, error) {
	return nil, nil
}

func (f *fakeSource) ListPipelinesForUser(context.Context, string) ([]*pipeline.Pipeline, error) {
	return nil, nil
}

func (f *fakeSource) ListCheckpointsForReviewer(context.Context, string, pipeline.CheckpointStatus) ([]*pipeline.Checkpoint, error) {
	return nil, nil
}

func (f *fakeSource) UnreadInbox(context.Context, string, int) ([]pipeline.InboxNotification, error) {
	return nil, nil
}

type viewLog struct {
	mu     sync.Mutex
	stages []stage.Stage
}

func (l *viewLog) record(v ProjectView) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v.Pipeline == nil {
		l.stages = append(l.stages, "")
		return
	}
	l.stages = append(l.stages, v.Pipeline.CurrentStage)
}

func (l *viewLog) snapshot() []stage.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]stage.Stage(nil), l.stages...)
}

func TestSubscribeDeliversInitialAndChangedViews(t *testing.T) {
	source := newFakeSource()
	source.setStage("p1", stage.Idea)
	hub := New(source, logging.NewNop())
	defer hub.Close()

	var log viewLog
	key, err := hub.SubscribeProject(context.Background(), "p1", log.record)
	require.NoError(t, err)
	assert.Equal(t, "project:p1", key)
	assert.Equal(t, []stage.Stage{stage.Idea}, log.snapshot())

	source.fire(pipeline.Change{Kind: pipeline.ChangeActivity, ProjectID: "p1"})
	assert.Equal(t, []stage.Stage{stage.Idea}, log.snapshot(), "identical view must not be redelivered")

	source.setStage("p1", stage.IdeaReview)
	source.fire(pipeline.Change{Kind: pipeline.ChangePipeline, ProjectID: "p1"})
	source.fire(pipeline.Change{Kind: pipeline.ChangePipeline, ProjectID: "p2"})
	assert.Equal(t, []stage.Stage{stage.Idea, stage.IdeaReview}, log.snapshot())
}

func TestSubscribeSameKeyReplaces(t *testing.T) {
	source := newFakeSource()
	source.setStage("p1", stage.Idea)
	hub := New(source, logging.NewNop())
	defer hub.Close()

	var first, second viewLog
	_, err := hub.SubscribeProject(context.Background(), "p1", first.record)
	require.NoError(t, err)
	_, err = hub.SubscribeProject(context.Background(), "p1", second.record)
	require.NoError(t, err)
	assert.Equal(t, 1, source.listenerCount())

	source.setStage("p1", stage.Script)
	source.fire(pipeline.Change{Kind: pipeline.ChangePipeline, ProjectID: "p1"})
	assert.Len(t, first.snapshot(), 1)
	assert.Equal(t, []stage.Stage{stage.Idea, stage.Script}, second.snapshot())
}

func TestUnsubscribeAllStopsEveryCallback(t *testing.T) {
	source := newFakeSource()
	hub := New(source, logging.NewNop())

	var log viewLog
	for _, project := range []string{"a", "b", "c"} {
		source.setStage(project, stage.Idea)
		_, err := hub.SubscribeProject(context.Background(), project, log.record)
		require.NoError(t, err)
	}
	require.Len(t, log.snapshot(), 3)

	hub.UnsubscribeAll()
	hub.UnsubscribeAll()
	hub.Unsubscribe("project:a")
	assert.Zero(t, source.listenerCount())
	assert.Empty(t, hub.Keys())

	for _, project := range []string{"a", "b", "c"} {
		source.setStage(project, stage.Script)
		source.fire(pipeline.Change{Kind: pipeline.ChangePipeline, ProjectID: project})
	}
	assert.Len(t, log.snapshot(), 3)
}

func TestUnsubscribeDuringRecompute(t *testing.T) {
	source := newFakeSource()
	source.setStage("p1", stage.Idea)
	hub := New(source, logging.NewNop())
	defer hub.Close()

	var log viewLog
	_, err := hub.SubscribeProject(context.Background(), "p1", log.record)
	require.NoError(t, err)

	hub.mu.Lock()
	sub := hub.subs["project:p1"]
	hub.mu.Unlock()
	original := sub.compute
	sub.deliverMu.Lock()
	sub.compute = func(ctx context.Context) (any, error) {
		hub.Unsubscribe("project:p1")
		return original(ctx)
	}
	sub.deliverMu.Unlock()

	source.setStage("p1", stage.Script)
	hub.refresh(sub)
	assert.Len(t, log.snapshot(), 1)
}

func TestUnsubscribeWaitsForRunningCallback(t *testing.T) {
	source := newFakeSource()
	source.setStage("p1", stage.Idea)
	hub := New(source, logging.NewNop())
	defer hub.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var log viewLog
	_, err := hub.SubscribeProject(context.Background(), "p1", func(v ProjectView) {
		log.record(v)
		if v.Pipeline != nil && v.Pipeline.CurrentStage == stage.Script {
			close(entered)
			<-release
		}
	})
	require.NoError(t, err)

	source.setStage("p1", stage.Script)
	go source.fire(pipeline.Change{Kind: pipeline.ChangePipeline, ProjectID: "p1"})
	<-entered

	var done sync.WaitGroup
	done.Add(1)
	var returned sync.Mutex
	finished := false
	go func() {
		defer done.Done()
		hub.Unsubscribe("project:p1")
		returned.Lock()
		finished = true
		returned.Unlock()
	}()
	assert.Never(t, func() bool {
		returned.Lock()
		defer returned.Unlock()
		return finished
	}, 50*time.Millisecond, 5*time.Millisecond, "unsubscribe returned while a callback was running")

	close(release)
	done.Wait()

	source.setStage("p1", stage.Storyboard)
	source.fire(pipeline.Change{Kind: pipeline.ChangePipeline, ProjectID: "p1"})
	assert.Equal(t, []stage.Stage{stage.Idea, stage.Script}, log.snapshot())
}

func TestHubsAreIndependent(t *testing.T) {
	source := newFakeSource()
	source.setStage("p1", stage.Idea)
	a := New(source, logging.NewNop())
	b := New(source, logging.NewNop())
	defer b.Close()

	var logA, logB viewLog
	_, err := a.SubscribeProject(context.Background(), "p1", logA.record)
	require.NoError(t, err)
	_, err = b.SubscribeProject(context.Background(), "p1", logB.record)
	require.NoError(t, err)

	a.Close()
	a.Close()
	_, err = a.SubscribeProject(context.Background(), "p1", logA.record)
	assert.ErrorIs(t, err, ErrClosed)

	source.setStage("p1", stage.Script)
	source.fire(pipeline.Change{Kind: pipeline.ChangePipeline, ProjectID: "p1"})
	assert.Len(t, logA.snapshot(), 1)
	assert.Equal(t, []stage.Stage{stage.Idea, stage.Script}, logB.snapshot())
}

func TestSubscribeFailsWhenInitialViewFails(t *testing.T) {
	source := newFakeSource()
	source.loadErr = errors.New("database is locked")
	hub := New(source, logging.NewNop())
	defer hub.Close()

	var log viewLog
	_, err := hub.SubscribeProject(context.Background(), "p1", log.record)
	require.Error(t, err)
	assert.Empty(t, hub.Keys())
	assert.Zero(t, source.listenerCount())

	_, err = hub.SubscribeProject(context.Background(), " ", log.record)
	assert.ErrorIs(t, err, services.ErrValidation)
	assert.ErrorIs(t, hub.Subscribe(context.Background(), "board:x", func(any) {}), services.ErrValidation)
}

func TestSubscribeByKeyRoutesToView(t *testing.T) {
	source := newFakeSource()
	hub := New(source, logging.NewNop())
	defer hub.Close()

	var got []any
	require.NoError(t, hub.Subscribe(context.Background(), "dashboard:ana", func(v any) { got = append(got, v) }))
	require.NoError(t, hub.Subscribe(context.Background(), "notifications:ana", func(v any) { got = append(got, v) }))
	require.Len(t, got, 2)
	assert.IsType(t, DashboardView{}, got[0])
	assert.IsType(t, NotificationsView{}, got[1])
	assert.ElementsMatch(t, []string{"dashboard:ana", "notifications:ana"}, hub.Keys())
}
