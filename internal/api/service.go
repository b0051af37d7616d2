package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/automation"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/config"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/events"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/metrics"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/notifications"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/store"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/tracking"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/workflow"
)

// Options customizes NewService.
type Options struct {
	// Registerer receives the event and rule counters. Nil disables them.
	Registerer prometheus.Registerer
	// Sink overrides the configured notification sink.
	Sink notifications.Sink
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Service is the single entry point for pipeline operations.
type Service struct {
	cfg      *config.Config
	store    *store.Store
	workflow *workflow.Engine
	rules    *automation.Engine
	metrics  *metrics.Service
	hub      *tracking.Hub
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the engines on top of st.
func NewService(cfg *config.Config, st *store.Store, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	sink := opts.Sink
	if sink == nil {
		sink = notifications.NewSink(cfg, st)
	}

	dispatcher := events.NewDispatcher(logger)
	dispatcher.Register("activity", events.ActivityHandler(st))
	dispatcher.Register("notifications", events.NotificationHandler(sink))
	if opts.Registerer != nil {
		dispatcher.Register("metrics", events.NewCounters(opts.Registerer))
	}

	wf := workflow.NewEngine(cfg, st, dispatcher, logger, workflow.WithClock(now))
	ruleOpts := []automation.Option{automation.WithClock(now)}
	if opts.Registerer != nil {
		ruleOpts = append(ruleOpts, automation.WithRegisterer(opts.Registerer))
	}

	s := &Service{
		cfg:      cfg,
		store:    st,
		workflow: wf,
		rules:    automation.NewEngine(st, wf, logger, ruleOpts...),
		metrics:  metrics.NewService(cfg, st, logger),
		logger:   logging.NewComponentLogger(logger, "api"),
		now:      now,
	}
	s.hub = s.NewHub()
	return s
}

// NewHub returns a tracking hub independent of the service's own
// subscriptions. The daemon opens one per streaming connection.
func (s *Service) NewHub() *tracking.Hub {
	limit := 0
	if s.cfg != nil {
		limit = s.cfg.Workflow.RecentActivityLimit
	}
	return tracking.New(s.store, s.logger, tracking.WithActivityLimit(limit), tracking.WithClock(s.now))
}

// Close drops every subscription held by the service.
func (s *Service) Close() {
	s.hub.Close()
}

// Ping checks that the store answers.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func parseStage(raw, op string) (stage.Stage, error) {
	st, ok := stage.Parse(raw)
	if !ok {
		return "", services.Wrap(services.ErrValidation, "api", op, fmt.Sprintf("unknown stage %q", raw), nil)
	}
	return st, nil
}

// CreatePipeline starts a pipeline for projectID.
func (s *Service) CreatePipeline(ctx context.Context, projectID, actor string) (*Pipeline, error) {
	p, err := s.workflow.Create(ctx, projectID, actor)
	if err != nil {
		return nil, err
	}
	return FromPipeline(p), nil
}

// GetPipeline returns the pipeline or nil when it does not exist.
func (s *Service) GetPipeline(ctx context.Context, pipelineID string) (*Pipeline, error) {
	p, err := s.workflow.Get(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	return FromPipeline(p), nil
}

// GetPipelineByProject returns the project's pipeline or nil.
func (s *Service) GetPipelineByProject(ctx context.Context, projectID string) (*Pipeline, error) {
	p, err := s.workflow.GetByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return FromPipeline(p), nil
}

// AdvanceToNextStage moves the pipeline one stage forward. When rule hooks
// are enabled the new stage's rules run before returning.
func (s *Service) AdvanceToNextStage(ctx context.Context, pipelineID, actor string) (*AdvanceResponse, error) {
	res, err := s.workflow.Advance(ctx, pipelineID, actor)
	if err != nil {
		return nil, err
	}
	out := FromAdvance(res)
	out.Rules = s.afterAdvance(ctx, res)
	return out, nil
}

func (s *Service) afterAdvance(ctx context.Context, res workflow.AdvanceResult) *RuleReport {
	if s.cfg == nil || !s.cfg.Workflow.EvaluateRulesOnAdvance || res.Pipeline == nil {
		return nil
	}
	report := s.rules.Evaluate(ctx, res.Pipeline.ID, res.To, evaluationContext(res.Pipeline, res.To, nil))
	return FromRuleReport(report)
}

// RollbackToPreviousStage returns the pipeline to target, or to the stage
// before the current one when target is empty.
func (s *Service) RollbackToPreviousStage(ctx context.Context, pipelineID, target, actor, reason string) (*Pipeline, error) {
	var st stage.Stage
	if strings.TrimSpace(target) == "" {
		p, err := s.workflow.Get(ctx, pipelineID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, services.Wrap(services.ErrNotFound, "api", "rollback", "pipeline "+pipelineID+" not found", nil)
		}
		prev, ok := stage.Previous(p.CurrentStage)
		if !ok {
			return nil, services.Wrap(services.ErrInvalidTransition, "api", "rollback",
				fmt.Sprintf("pipeline %s is at the first stage", p.ID), nil)
		}
		st = prev
	} else {
		parsed, err := parseStage(target, "rollback")
		if err != nil {
			return nil, err
		}
		st = parsed
	}
	p, err := s.workflow.Rollback(ctx, pipelineID, st, actor, reason)
	if err != nil {
		return nil, err
	}
	return FromPipeline(p), nil
}

// ArtifactRequest describes an artifact to attach.
type ArtifactRequest struct {
	Type      string          `json:"type"`
	URL       string          `json:"url,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedBy string          `json:"createdBy"`
}

// AddArtifact attaches an output to a stage of the pipeline.
func (s *Service) AddArtifact(ctx context.Context, pipelineID, stageName string, req ArtifactRequest) (*Artifact, error) {
	st, err := parseStage(stageName, "add artifact")
	if err != nil {
		return nil, err
	}
	artifact, err := s.workflow.AddArtifact(ctx, pipelineID, st, workflow.ArtifactInput{
		Type:      pipeline.ArtifactType(strings.TrimSpace(req.Type)),
		URL:       req.URL,
		Payload:   req.Payload,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}
	out := FromArtifact(artifact)
	return &out, nil
}

// CheckpointRequest opens a checkpoint. An empty Stage targets the
// pipeline's current stage.
type CheckpointRequest struct {
	PipelineID        string     `json:"pipelineId"`
	Stage             string     `json:"stage,omitempty"`
	SubmittedBy       string     `json:"submittedBy"`
	AssignedTo        []string   `json:"assignedTo"`
	RequiredApprovals int        `json:"requiredApprovals"`
	DueAt             *time.Time `json:"dueAt,omitempty"`
}

// CreateCheckpoint opens a pending checkpoint.
func (s *Service) CreateCheckpoint(ctx context.Context, req CheckpointRequest) (*Checkpoint, error) {
	var st stage.Stage
	if strings.TrimSpace(req.Stage) == "" {
		p, err := s.workflow.Get(ctx, req.PipelineID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, services.Wrap(services.ErrNotFound, "api", "create checkpoint", "pipeline "+req.PipelineID+" not found", nil)
		}
		st = p.CurrentStage
	} else {
		parsed, err := parseStage(req.Stage, "create checkpoint")
		if err != nil {
			return nil, err
		}
		st = parsed
	}
	cp, err := s.workflow.CreateCheckpoint(ctx, pipeline.CheckpointRequest{
		PipelineID:        req.PipelineID,
		Stage:             st,
		SubmittedBy:       req.SubmittedBy,
		AssignedTo:        req.AssignedTo,
		RequiredApprovals: req.RequiredApprovals,
		DueAt:             req.DueAt,
	})
	if err != nil {
		return nil, err
	}
	return FromCheckpoint(cp), nil
}

// ApproveCheckpoint records an approval. Reaching the quorum advances the
// pipeline.
func (s *Service) ApproveCheckpoint(ctx context.Context, checkpointID, actor, feedback string) (*DecisionResponse, error) {
	res, err := s.workflow.Approve(ctx, checkpointID, actor, feedback)
	if err != nil {
		return nil, err
	}
	return s.decisionResponse(ctx, res), nil
}

// RejectCheckpoint records a rejection, which resolves the checkpoint.
func (s *Service) RejectCheckpoint(ctx context.Context, checkpointID, actor, feedback string) (*DecisionResponse, error) {
	res, err := s.workflow.Reject(ctx, checkpointID, actor, feedback)
	if err != nil {
		return nil, err
	}
	return s.decisionResponse(ctx, res), nil
}

func (s *Service) decisionResponse(ctx context.Context, res workflow.DecisionResult) *DecisionResponse {
	out := &DecisionResponse{}
	if cp := FromCheckpoint(res.Checkpoint); cp != nil {
		out.Checkpoint = *cp
	}
	if res.Advance != nil {
		out.Advance = FromAdvance(*res.Advance)
		out.Advance.Rules = s.afterAdvance(ctx, *res.Advance)
	}
	if res.AdvanceErr != nil {
		out.AdvanceError = res.AdvanceErr.Error()
	}
	return out
}

// BulkApproveCheckpoints approves each checkpoint independently.
func (s *Service) BulkApproveCheckpoints(ctx context.Context, checkpointIDs []string, actor string) BulkResponse {
	res := s.workflow.BulkApprove(ctx, checkpointIDs, actor)
	out := BulkResponse{
		Succeeded: append([]string{}, res.Succeeded...),
		Failed:    make([]BulkFailure, 0, len(res.Failed)),
	}
	for _, f := range res.Failed {
		kind, msg := services.Details(f.Err)
		out.Failed = append(out.Failed, BulkFailure{ID: f.ID, Kind: kind, Error: msg})
	}
	return out
}

// PendingReviews lists checkpoints waiting on user.
func (s *Service) PendingReviews(ctx context.Context, user string) ([]Checkpoint, error) {
	list, err := s.workflow.PendingReviews(ctx, user)
	if err != nil {
		return nil, err
	}
	return fromCheckpoints(list), nil
}

// GetStageMetrics computes one stage's metrics over [since, until). Zero
// bounds fall back to the configured window ending now.
func (s *Service) GetStageMetrics(ctx context.Context, stageName string, since, until time.Time) (*StageMetrics, error) {
	st, err := parseStage(stageName, "stage metrics")
	if err != nil {
		return nil, err
	}
	m, err := s.metrics.StageMetrics(ctx, st, metrics.Window{Since: since, Until: until})
	if err != nil {
		return nil, err
	}
	out := FromStageMetrics(m)
	return &out, nil
}

// GeneratePipelineReport builds the bottleneck report over [since, until).
func (s *Service) GeneratePipelineReport(ctx context.Context, since, until time.Time) (*PipelineReport, error) {
	r, err := s.metrics.Report(ctx, metrics.Window{Since: since, Until: until})
	if err != nil {
		return nil, err
	}
	out := FromReport(r)
	return &out, nil
}

// GetStagePerformanceMetrics lists per-stage timing for the project's
// pipeline, or nil when the project has none.
func (s *Service) GetStagePerformanceMetrics(ctx context.Context, projectID string) ([]StagePerformance, error) {
	p, err := s.workflow.GetByProject(ctx, projectID)
	if err != nil || p == nil {
		return nil, err
	}
	return FromPerformance(metrics.Performance(p, s.now())), nil
}

// GetProjectHistory returns the project's newest history entries. A
// non-positive limit uses the configured activity limit.
func (s *Service) GetProjectHistory(ctx context.Context, projectID string, limit int) ([]Activity, error) {
	if limit <= 0 && s.cfg != nil {
		limit = s.cfg.Workflow.RecentActivityLimit
	}
	list, err := s.store.ProjectHistory(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	return fromActivities(list), nil
}

// RuleRequest creates an automation rule. Actions use the tagged JSON layout
// with a "type" field and one matching configuration object.
type RuleRequest struct {
	Name       string          `json:"name,omitempty"`
	Stage      string          `json:"stage"`
	Conditions []Condition     `json:"conditions,omitempty"`
	Actions    json.RawMessage `json:"actions"`
	Priority   int             `json:"priority"`
	Active     *bool           `json:"active,omitempty"`
	Owner      string          `json:"owner"`
}

func (r RuleRequest) toRule() (pipeline.Rule, error) {
	st, ok := stage.Parse(r.Stage)
	if !ok {
		st = stage.Stage(strings.TrimSpace(r.Stage))
	}
	rule := pipeline.Rule{
		Name:     r.Name,
		Stage:    st,
		Priority: r.Priority,
		Active:   r.Active == nil || *r.Active,
		Owner:    r.Owner,
	}
	for _, c := range r.Conditions {
		rule.Conditions = append(rule.Conditions, pipeline.Condition{
			Field:    c.Field,
			Operator: pipeline.Operator(c.Operator),
			Value:    c.Value,
		})
	}
	if len(r.Actions) > 0 {
		if err := json.Unmarshal(r.Actions, &rule.Actions); err != nil {
			return pipeline.Rule{}, services.Wrap(services.ErrValidation, "api", "create rule", "decode actions", err)
		}
	}
	return rule, nil
}

// CreateAutomationRule validates and stores a rule.
func (s *Service) CreateAutomationRule(ctx context.Context, req RuleRequest) (*Rule, error) {
	rule, err := req.toRule()
	if err != nil {
		return nil, err
	}
	created, err := s.rules.CreateRule(ctx, rule)
	if err != nil {
		return nil, err
	}
	return FromRule(created), nil
}

// ImportResponse reports a YAML rule import.
type ImportResponse struct {
	Created []Rule        `json:"created"`
	Failed  []BulkFailure `json:"failed"`
}

// ImportRules creates every rule of a YAML document owned by owner.
func (s *Service) ImportRules(ctx context.Context, r io.Reader, owner string) (*ImportResponse, error) {
	res, err := s.rules.ImportYAML(ctx, r, owner)
	if err != nil {
		return nil, err
	}
	out := &ImportResponse{Created: make([]Rule, 0, len(res.Created)), Failed: make([]BulkFailure, 0, len(res.Failed))}
	for _, rule := range res.Created {
		out.Created = append(out.Created, *FromRule(rule))
	}
	for _, f := range res.Failed {
		kind, msg := services.Details(f.Err)
		id := f.Name
		if id == "" {
			id = fmt.Sprintf("#%d", f.Index)
		}
		out.Failed = append(out.Failed, BulkFailure{ID: id, Kind: kind, Error: msg})
	}
	return out, nil
}

// ListRules returns every stored rule.
func (s *Service) ListRules(ctx context.Context) ([]Rule, error) {
	list, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(list))
	for _, r := range list {
		out = append(out, *FromRule(r))
	}
	return out, nil
}

// EvaluateRules runs the active rules of a stage against the pipeline. An
// empty stage uses the pipeline's current stage. evalCtx entries override
// the fields derived from the pipeline.
func (s *Service) EvaluateRules(ctx context.Context, pipelineID, stageName string, evalCtx map[string]any) (*RuleReport, error) {
	p, err := s.workflow.Get(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, services.Wrap(services.ErrNotFound, "api", "evaluate rules", "pipeline "+pipelineID+" not found", nil)
	}
	st := p.CurrentStage
	if strings.TrimSpace(stageName) != "" {
		if st, err = parseStage(stageName, "evaluate rules"); err != nil {
			return nil, err
		}
	}
	report := s.rules.Evaluate(ctx, p.ID, st, evaluationContext(p, st, evalCtx))
	return FromRuleReport(report), nil
}

// evaluationContext exposes pipeline facts to rule conditions.
func evaluationContext(p *pipeline.Pipeline, st stage.Stage, overrides map[string]any) map[string]any {
	artifacts := 0
	if record := p.Record(st); record != nil {
		artifacts = len(record.Artifacts)
	}
	out := map[string]any{
		"pipelineId":      p.ID,
		"projectId":       p.ProjectID,
		"stage":           st.String(),
		"currentStage":    p.CurrentStage.String(),
		"createdBy":       p.CreatedBy,
		"progressPercent": p.ProgressPercent(),
		"completedStages": p.Metrics.CompletedStages,
		"rollbacks":       p.Metrics.Rollbacks,
		"artifacts":       artifacts,
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// SubscribeToProjectPipeline delivers the project's view now and after
// every change. It returns the subscription key.
func (s *Service) SubscribeToProjectPipeline(ctx context.Context, projectID string, fn func(ProjectView)) (string, error) {
	if fn == nil {
		return "", services.Wrap(services.ErrValidation, "api", "subscribe", "callback is required", nil)
	}
	return s.hub.SubscribeProject(ctx, projectID, func(v tracking.ProjectView) { fn(FromProjectView(v)) })
}

// SubscribeToDashboard delivers the user's dashboard now and after every
// relevant change.
func (s *Service) SubscribeToDashboard(ctx context.Context, userID string, fn func(DashboardView)) (string, error) {
	if fn == nil {
		return "", services.Wrap(services.ErrValidation, "api", "subscribe", "callback is required", nil)
	}
	return s.hub.SubscribeDashboard(ctx, userID, func(v tracking.DashboardView) { fn(FromDashboardView(v)) })
}

// SubscribeToNotifications delivers the user's pending reviews and unread
// inbox now and after every relevant change.
func (s *Service) SubscribeToNotifications(ctx context.Context, userID string, fn func(NotificationsView)) (string, error) {
	if fn == nil {
		return "", services.Wrap(services.ErrValidation, "api", "subscribe", "callback is required", nil)
	}
	return s.hub.SubscribeNotifications(ctx, userID, func(v tracking.NotificationsView) { fn(FromNotificationsView(v)) })
}

// Unsubscribe drops one subscription.
func (s *Service) Unsubscribe(key string) {
	s.hub.Unsubscribe(key)
}

// UnsubscribeAll drops every subscription held by the service.
func (s *Service) UnsubscribeAll() {
	s.hub.UnsubscribeAll()
}

// ListJobs returns queued generation jobs, optionally filtered by status.
func (s *Service) ListJobs(ctx context.Context, status string) ([]Job, error) {
	list, err := s.store.ListJobs(ctx, status)
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(list))
	for _, j := range list {
		out = append(out, FromJob(j))
	}
	return out, nil
}

// UnreadNotifications returns the user's unread inbox, newest first.
func (s *Service) UnreadNotifications(ctx context.Context, userID string, limit int) ([]InboxNotification, error) {
	list, err := s.store.UnreadInbox(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	return fromInbox(list), nil
}

// MarkNotificationsRead marks inbox entries read and returns how many
// changed.
func (s *Service) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int, error) {
	return s.store.MarkInboxRead(ctx, userID, ids)
}

// SetNotificationPrefs replaces the pipeline's delivery preferences.
func (s *Service) SetNotificationPrefs(ctx context.Context, pipelineID string, prefs NotificationPrefs) error {
	return s.workflow.SetNotificationPrefs(ctx, pipelineID, pipeline.NotificationPrefs{
		InApp:      prefs.InApp,
		Push:       prefs.Push,
		MutedKinds: prefs.MutedKinds,
	})
}
