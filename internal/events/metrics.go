package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters exports event counts and stage durations to Prometheus.
type Counters struct {
	Events        *prometheus.CounterVec
	Resolutions   *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
}

// NewCounters registers the collectors with reg. Each registry can hold one
// set; pass prometheus.NewRegistry() in tests.
func NewCounters(reg prometheus.Registerer) *Counters {
	factory := promauto.With(reg)
	return &Counters{
		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "episodes_pipeline_events_total",
				Help: "Total number of pipeline domain events by kind and stage",
			},
			[]string{"kind", "stage"},
		),
		Resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "episodes_checkpoint_resolutions_total",
				Help: "Total number of resolved checkpoints by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "episodes_stage_duration_seconds",
				Help:    "Time spent in a stage before it completed",
				Buckets: prometheus.ExponentialBuckets(60, 4, 10),
			},
			[]string{"stage"},
		),
	}
}

// Handle implements Handler.
func (c *Counters) Handle(_ context.Context, ev Event) error {
	c.Events.WithLabelValues(string(ev.Kind), string(ev.Stage)).Inc()
	switch ev.Kind {
	case CheckpointResolved:
		c.Resolutions.WithLabelValues(string(ev.Stage), string(ev.Outcome)).Inc()
	case StageAdvanced:
		if ev.From != "" {
			c.StageDuration.WithLabelValues(string(ev.From)).Observe(ev.Duration.Seconds())
		}
	}
	return nil
}
