// Package events separates pipeline transitions from their side effects.
//
// The workflow engine commits a transition, then hands the events it produced
// to a Dispatcher. Handlers run independently: a failing or panicking handler
// is logged and reported without affecting the others or the transition.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// Kind identifies a domain event.
type Kind string

const (
	PipelineCreated    Kind = "pipeline_created"
	StageAdvanced      Kind = "stage_advanced"
	PipelineRolledBack Kind = "pipeline_rolled_back"
	PipelinePublished  Kind = "pipeline_published"
	ArtifactAdded      Kind = "artifact_added"
	CheckpointCreated  Kind = "checkpoint_created"
	DecisionRecorded   Kind = "decision_recorded"
	CheckpointResolved Kind = "checkpoint_resolved"
	ReviewersAssigned  Kind = "reviewers_assigned"
	DueDateSet         Kind = "due_date_set"
	JobDispatched      Kind = "job_dispatched"
	RuleNotice         Kind = "rule_notice"
)

// Event is an immutable record of something that happened to a pipeline.
type Event struct {
	Kind         Kind
	PipelineID   string
	ProjectID    string
	Stage        stage.Stage
	// From is the stage left by an advance or rollback.
	From         stage.Stage
	CheckpointID string
	Actor        string
	Recipients   []string
	Detail       string
	// Outcome carries the checkpoint status for resolution events.
	Outcome      pipeline.CheckpointStatus
	// Duration is the time spent in the stage a transition completed.
	Duration     time.Duration
	Prefs        pipeline.NotificationPrefs
	At           time.Time
}

// Handler reacts to dispatched events.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

type namedHandler struct {
	name    string
	handler Handler
}

// Dispatcher delivers events to registered handlers in registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []namedHandler
	logger   *slog.Logger
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{logger: logging.NewComponentLogger(logger, "events")}
}

// Register adds a handler. Registering a name twice replaces the earlier
// handler.
func (d *Dispatcher) Register(name string, h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.handlers {
		if d.handlers[i].name == name {
			d.handlers[i].handler = h
			return
		}
	}
	d.handlers = append(d.handlers, namedHandler{name: name, handler: h})
}

// Dispatch runs every handler for every event and returns the failures. It
// never stops early.
func (d *Dispatcher) Dispatch(ctx context.Context, evs ...Event) []error {
	if d == nil || len(evs) == 0 {
		return nil
	}
	d.mu.RLock()
	handlers := make([]namedHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	var errs []error
	for _, ev := range evs {
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		for _, h := range handlers {
			if err := d.invoke(ctx, h, ev); err != nil {
				errs = append(errs, err)
				logging.WarnWithContext(logging.WithContext(ctx, d.logger), "event handler failed", string(ev.Kind),
					logging.String("handler", h.name),
					logging.PipelineID(ev.PipelineID),
					logging.Error(err),
					logging.String(logging.FieldImpact, "side effect skipped; pipeline state unaffected"),
				)
			}
		}
	}
	return errs
}

func (d *Dispatcher) invoke(ctx context.Context, h namedHandler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked on %s: %v", h.name, ev.Kind, r)
		}
	}()
	if err := h.handler.Handle(ctx, ev); err != nil {
		return fmt.Errorf("handler %s on %s: %w", h.name, ev.Kind, err)
	}
	return nil
}
