package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/config"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/events"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// PipelineStore persists pipelines and their stage records.
type PipelineStore interface {
	LoadPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error)
	LoadPipelineByProject(ctx context.Context, projectID string) (*pipeline.Pipeline, error)
	CreatePipeline(ctx context.Context, p *pipeline.Pipeline) error
	SavePipeline(ctx context.Context, id string, patch pipeline.PipelinePatch) (*pipeline.Pipeline, error)
	AppendArtifact(ctx context.Context, artifact pipeline.Artifact) error
	SetNotificationPrefs(ctx context.Context, id string, prefs pipeline.NotificationPrefs) error
}

// CheckpointStore persists checkpoints and their decisions.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, id string) (*pipeline.Checkpoint, error)
	ListCheckpointsForReviewer(ctx context.Context, user string, status pipeline.CheckpointStatus) ([]*pipeline.Checkpoint, error)
	CreateCheckpoint(ctx context.Context, cp *pipeline.Checkpoint) error
	UpdateCheckpoint(ctx context.Context, id string, plan pipeline.CheckpointPlanner) (*pipeline.Checkpoint, error)
}

// JobDispatcher hands generation work to the external runner.
type JobDispatcher interface {
	Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts pipeline.JobOptions) (string, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	PipelineStore
	CheckpointStore
	JobDispatcher
}

// Engine coordinates pipeline transitions and checkpoint resolution.
type Engine struct {
	cfg        *config.Config
	store      Store
	dispatcher *events.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// Option configures optional Engine behavior.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides identifier generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// NewEngine constructs an engine. A nil dispatcher drops every event.
func NewEngine(cfg *config.Config, store Store, dispatcher *events.Dispatcher, logger *slog.Logger, opts ...Option) *Engine {
	if cfg == nil {
		defaults := config.Default()
		cfg = &defaults
	}
	e := &Engine{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		logger:     logging.NewComponentLogger(logger, "workflow"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

func (e *Engine) emit(ctx context.Context, evs ...events.Event) []error {
	if e.dispatcher == nil || len(evs) == 0 {
		return nil
	}
	now := e.clock()
	for i := range evs {
		if evs[i].At.IsZero() {
			evs[i].At = now
		}
	}
	return e.dispatcher.Dispatch(ctx, evs...)
}

func (e *Engine) contextFor(ctx context.Context, p *pipeline.Pipeline, actor string) context.Context {
	ctx = services.WithPipelineID(ctx, p.ID)
	ctx = services.WithProjectID(ctx, p.ProjectID)
	ctx = services.WithStage(ctx, string(p.CurrentStage))
	return services.WithActor(ctx, actor)
}

func (e *Engine) loggerFor(ctx context.Context) *slog.Logger {
	return logging.WithContext(ctx, e.logger)
}

func eventFor(kind events.Kind, p *pipeline.Pipeline, st stage.Stage, actor string) events.Event {
	return events.Event{
		Kind:       kind,
		PipelineID: p.ID,
		ProjectID:  p.ProjectID,
		Stage:      st,
		Actor:      actor,
		Prefs:      p.NotificationPrefs,
	}
}

func uniqueUsers(groups ...[]string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, group := range groups {
		for _, user := range group {
			if user == "" {
				continue
			}
			if _, ok := seen[user]; ok {
				continue
			}
			seen[user] = struct{}{}
			out = append(out, user)
		}
	}
	return out
}
