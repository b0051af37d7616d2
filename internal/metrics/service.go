package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/config"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// HistorySource supplies the records metrics are computed from.
type HistorySource interface {
	StageHistory(ctx context.Context, since, until time.Time) ([]pipeline.StageInstance, error)
	CheckpointsBetween(ctx context.Context, since, until time.Time) ([]*pipeline.Checkpoint, error)
}

// Service computes metrics over stored history.
type Service struct {
	source        HistorySource
	thresholds    Thresholds
	defaultWindow time.Duration
	now           func() time.Time
	logger        *slog.Logger
	reports       singleflight.Group
}

// NewService builds a metrics service using cfg's thresholds and default
// window.
func NewService(cfg *config.Config, source HistorySource, logger *slog.Logger) *Service {
	window := 30 * 24 * time.Hour
	if cfg != nil && cfg.MetricsWindow() > 0 {
		window = cfg.MetricsWindow()
	}
	return &Service{
		source:        source,
		thresholds:    ThresholdsFromConfig(cfg),
		defaultWindow: window,
		now:           time.Now,
		logger:        logging.NewComponentLogger(logger, "metrics"),
	}
}

// Thresholds returns the thresholds reports use.
func (s *Service) Thresholds() Thresholds {
	return s.thresholds
}

// Resolve fills a zero window with the default lookback ending now. A
// window with only Until set looks back from Until.
func (s *Service) Resolve(w Window) Window {
	if w.Until.IsZero() {
		w.Until = s.now().UTC()
	}
	if w.Since.IsZero() {
		w.Since = w.Until.Add(-s.defaultWindow)
	}
	return w
}

// StageMetrics computes metrics for one stage within w.
func (s *Service) StageMetrics(ctx context.Context, st stage.Stage, w Window) (StageMetrics, error) {
	if !st.Valid() {
		return StageMetrics{}, services.Wrap(services.ErrValidation, "metrics", "stage metrics", "unknown stage "+string(st), nil)
	}
	w = s.Resolve(w)
	if !w.Since.Before(w.Until) {
		return StageMetrics{}, services.Wrap(services.ErrValidation, "metrics", "stage metrics", "window start must precede its end", nil)
	}
	instances, checkpoints, err := s.load(ctx, w)
	if err != nil {
		return StageMetrics{}, err
	}
	return Compute(st, instances, checkpoints), nil
}

// Report builds the pipeline report for w. Concurrent requests for the same
// window share one computation.
func (s *Service) Report(ctx context.Context, w Window) (PipelineReport, error) {
	w = s.Resolve(w)
	if !w.Since.Before(w.Until) {
		return PipelineReport{}, services.Wrap(services.ErrValidation, "metrics", "report", "window start must precede its end", nil)
	}
	key := fmt.Sprintf("%d:%d", w.Since.UnixNano(), w.Until.UnixNano())
	value, err, shared := s.reports.Do(key, func() (any, error) {
		started := time.Now()
		instances, checkpoints, err := s.load(ctx, w)
		if err != nil {
			return nil, err
		}
		report := Report(w, instances, checkpoints, s.thresholds)
		s.logger.Debug("pipeline report computed",
			logging.String(logging.FieldEventType, "report_computed"),
			logging.Int("instances", len(instances)),
			logging.Int("checkpoints", len(checkpoints)),
			logging.Int("bottlenecks", len(report.Bottlenecks)),
			logging.Duration("elapsed", time.Since(started)),
		)
		return report, nil
	})
	if err != nil {
		return PipelineReport{}, err
	}
	if shared {
		s.logger.Debug("pipeline report shared", logging.String(logging.FieldEventType, "report_shared"))
	}
	return value.(PipelineReport), nil
}

func (s *Service) load(ctx context.Context, w Window) ([]pipeline.StageInstance, []*pipeline.Checkpoint, error) {
	instances, err := s.source.StageHistory(ctx, w.Since, w.Until)
	if err != nil {
		return nil, nil, fmt.Errorf("load stage history: %w", err)
	}
	checkpoints, err := s.source.CheckpointsBetween(ctx, w.Since, w.Until)
	if err != nil {
		return nil, nil, fmt.Errorf("load checkpoints: %w", err)
	}
	return instances, checkpoints, nil
}
