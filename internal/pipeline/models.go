package pipeline

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// StageStatus represents the lifecycle of a single stage record.
type StageStatus string

const (
	StageNotStarted StageStatus = "not_started"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageSkipped    StageStatus = "skipped"
)

// ArtifactType classifies artifacts attached to a stage.
type ArtifactType string

const (
	ArtifactScript     ArtifactType = "script"
	ArtifactStoryboard ArtifactType = "storyboard"
	ArtifactVideo      ArtifactType = "video"
	ArtifactFeedback   ArtifactType = "feedback"
)

// Valid reports whether t is a known artifact type.
func (t ArtifactType) Valid() bool {
	switch t {
	case ArtifactScript, ArtifactStoryboard, ArtifactVideo, ArtifactFeedback:
		return true
	default:
		return false
	}
}

// Artifact is an append-only output attached to a stage record.
type Artifact struct {
	ID         string
	PipelineID string
	Stage      stage.Stage
	Type       ArtifactType
	URL        string
	Payload    json.RawMessage
	CreatedBy  string
	CreatedAt  time.Time
}

// StageRecord is the per-pipeline state of one stage.
type StageRecord struct {
	Stage        stage.Stage
	Status       StageStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Duration     time.Duration
	Artifacts    []Artifact
	CheckpointID string
}

// NotificationPrefs controls which channels receive pipeline notifications.
type NotificationPrefs struct {
	InApp      bool     `json:"inApp"`
	Push       bool     `json:"push"`
	MutedKinds []string `json:"mutedKinds,omitempty"`
}

// DefaultNotificationPrefs enables every channel.
func DefaultNotificationPrefs() NotificationPrefs {
	return NotificationPrefs{InApp: true, Push: true}
}

// Allows reports whether a notification of kind may be delivered at all.
func (p NotificationPrefs) Allows(kind string) bool {
	if !p.InApp && !p.Push {
		return false
	}
	return !slices.Contains(p.MutedKinds, kind)
}

// MetricsSnapshot is the aggregate progress summary kept alongside a pipeline.
type MetricsSnapshot struct {
	CompletedStages int
	ProgressPercent float64
	Elapsed         time.Duration
	Rollbacks       int
}

// Pipeline tracks one project's content item through the stage sequence.
type Pipeline struct {
	ID                string
	ProjectID         string
	CurrentStage      stage.Stage
	Stages            []StageRecord
	Metrics           MetricsSnapshot
	NotificationPrefs NotificationPrefs
	CreatedBy         string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// New initializes a pipeline in the first stage. Every other stage starts as
// not_started.
func New(id, projectID, actor string, now time.Time) *Pipeline {
	now = now.UTC()
	records := make([]StageRecord, 0, stage.Count())
	for _, s := range stage.All() {
		record := StageRecord{Stage: s, Status: StageNotStarted}
		if s == stage.First() {
			started := now
			record.Status = StageInProgress
			record.StartedAt = &started
		}
		records = append(records, record)
	}
	p := &Pipeline{
		ID:                id,
		ProjectID:         projectID,
		CurrentStage:      stage.First(),
		Stages:            records,
		NotificationPrefs: DefaultNotificationPrefs(),
		CreatedBy:         actor,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	p.RefreshMetrics(now)
	return p
}

// Record returns the stage record for s, or nil when the pipeline has none.
func (p *Pipeline) Record(s stage.Stage) *StageRecord {
	if p == nil {
		return nil
	}
	for i := range p.Stages {
		if p.Stages[i].Stage == s {
			return &p.Stages[i]
		}
	}
	return nil
}

// InProgressCount returns the number of stage records currently in progress.
func (p *Pipeline) InProgressCount() int {
	count := 0
	for _, record := range p.Stages {
		if record.Status == StageInProgress {
			count++
		}
	}
	return count
}

// Completed reports whether the pipeline reached the terminal stage.
func (p *Pipeline) Completed() bool {
	return p != nil && stage.IsTerminal(p.CurrentStage)
}

// ProgressPercent is the share of stages before the current one, scaled to
// 100 once the terminal stage is reached.
func (p *Pipeline) ProgressPercent() float64 {
	if p == nil {
		return 0
	}
	idx := stage.Index(p.CurrentStage)
	if idx < 0 {
		return 0
	}
	last := stage.Count() - 1
	if idx == last {
		return 100
	}
	return float64(idx) / float64(last) * 100
}

// RefreshMetrics recomputes the derived snapshot while preserving the
// rollback counter.
func (p *Pipeline) RefreshMetrics(now time.Time) {
	completed := 0
	for _, record := range p.Stages {
		if record.Status == StageCompleted {
			completed++
		}
	}
	elapsed := time.Duration(0)
	if !p.CreatedAt.IsZero() {
		elapsed = now.Sub(p.CreatedAt)
		if elapsed < 0 {
			elapsed = 0
		}
	}
	p.Metrics.CompletedStages = completed
	p.Metrics.ProgressPercent = p.ProgressPercent()
	p.Metrics.Elapsed = elapsed
}

// StageInstance is one archived or live occupation of a stage, the unit the
// metrics aggregator works on.
type StageInstance struct {
	PipelineID  string
	ProjectID   string
	Stage       stage.Stage
	Status      StageStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Duration    time.Duration
	Reset       bool
	RecordedAt  time.Time
}

// Activity is one entry of a project's append-only history.
type Activity struct {
	ID           string
	PipelineID   string
	ProjectID    string
	Kind         string
	Stage        stage.Stage
	CheckpointID string
	Actor        string
	Detail       string
	CreatedAt    time.Time
}

// Job is a generation request handed to the external job runner.
type Job struct {
	ID         string
	Type       string
	PipelineID string
	Stage      stage.Stage
	Payload    json.RawMessage
	Priority   int
	Status     string
	CreatedAt  time.Time
}

// JobQueued is the only status the core assigns to jobs.
const JobQueued = "queued"

// InboxNotification is an in-app notification addressed to one user.
type InboxNotification struct {
	ID           string
	UserID       string
	Kind         string
	Title        string
	Message      string
	PipelineID   string
	CheckpointID string
	Read         bool
	CreatedAt    time.Time
}

// JobOptions carries optional job metadata.
type JobOptions struct {
	Priority   int
	PipelineID string
	Stage      stage.Stage
}
