package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/workflow"
)

// RuleStore persists rules.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *pipeline.Rule) error
	ActiveRulesForStage(ctx context.Context, st stage.Stage) ([]*pipeline.Rule, error)
}

// Actions is the part of the workflow engine rule actions drive.
type Actions interface {
	CreateCheckpoint(ctx context.Context, req pipeline.CheckpointRequest) (*pipeline.Checkpoint, error)
	AdvanceFrom(ctx context.Context, pipelineID string, expected stage.Stage, actor string) (workflow.AdvanceResult, error)
	UpdateCheckpointMeta(ctx context.Context, checkpointID string, update workflow.MetaUpdate) (*pipeline.Checkpoint, error)
	PendingCheckpoint(ctx context.Context, pipelineID string, st stage.Stage) (*pipeline.Checkpoint, error)
	Notify(ctx context.Context, pipelineID string, st stage.Stage, recipients []string, message, actor string) error
}

// ActionResult is the outcome of one executed action.
type ActionResult struct {
	RuleID string
	Action pipeline.ActionType
	Detail string
	Err    error
}

// Report summarizes one evaluation.
type Report struct {
	PipelineID string
	Stage      stage.Stage
	// Matched lists rule ids whose conditions all held, in evaluation order.
	Matched  []string
	Executed []ActionResult
	Failures []ActionResult
}

// Engine evaluates automation rules.
type Engine struct {
	rules   RuleStore
	actions Actions
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
	runs    *prometheus.CounterVec
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRegisterer exports per-action outcome counters to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		if reg == nil {
			return
		}
		e.runs = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "episodes",
			Subsystem: "automation",
			Name:      "actions_total",
			Help:      "Rule actions executed, by action type and result.",
		}, []string{"action", "result"})
	}
}

// NewEngine constructs a rule engine.
func NewEngine(rules RuleStore, actions Actions, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		rules:   rules,
		actions: actions,
		logger:  logging.NewComponentLogger(logger, "automation"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRule validates rule, assigns its id and creation time, and persists
// it. Malformed rules fail with services.ErrValidation.
func (e *Engine) CreateRule(ctx context.Context, rule pipeline.Rule) (*pipeline.Rule, error) {
	rule.Name = strings.TrimSpace(rule.Name)
	rule.Owner = strings.TrimSpace(rule.Owner)
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = e.newID()
	}
	rule.CreatedAt = e.now().UTC()
	if err := e.rules.CreateRule(ctx, &rule); err != nil {
		return nil, err
	}
	e.logger.Info("automation rule created",
		logging.String(logging.FieldEventType, "rule_created"),
		logging.String(logging.FieldRuleID, rule.ID),
		logging.Stage(string(rule.Stage)),
		logging.Int("actions", len(rule.Actions)),
		logging.Bool("active", rule.Active),
	)
	return &rule, nil
}

// Evaluate runs the stage's active rules against evalCtx in priority order.
// A rule whose conditions all hold executes its actions in declaration
// order. Failures are logged and collected in the report.
func (e *Engine) Evaluate(ctx context.Context, pipelineID string, st stage.Stage, evalCtx map[string]any) Report {
	report := Report{PipelineID: pipelineID, Stage: st}
	ctx = services.WithPipelineID(ctx, pipelineID)
	ctx = services.WithStage(ctx, string(st))
	logger := logging.WithContext(ctx, e.logger)

	rules, err := e.rules.ActiveRulesForStage(ctx, st)
	if err != nil {
		logging.WarnWithContext(logger, "automation rules unavailable", "rules_load_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "no automation ran for this stage"),
		)
		report.Failures = append(report.Failures, ActionResult{Err: err})
		return report
	}

	for _, rule := range rules {
		matched, err := e.matches(rule, evalCtx)
		if err != nil {
			logging.WarnWithContext(logger, "rule conditions failed", "rule_condition_failed",
				logging.String(logging.FieldRuleID, rule.ID),
				logging.Error(err),
			)
			report.Failures = append(report.Failures, ActionResult{RuleID: rule.ID, Err: err})
			continue
		}
		if !matched {
			continue
		}
		report.Matched = append(report.Matched, rule.ID)
		for _, action := range rule.Actions {
			detail, err := e.execute(ctx, rule, action, pipelineID, st)
			result := ActionResult{RuleID: rule.ID, Action: action.Type, Detail: detail, Err: err}
			e.count(action.Type, err)
			if err != nil {
				logging.WarnWithContext(logger, "rule action failed", "rule_action_failed",
					logging.String(logging.FieldRuleID, rule.ID),
					logging.String("action", string(action.Type)),
					logging.Error(err),
				)
				report.Failures = append(report.Failures, result)
				continue
			}
			report.Executed = append(report.Executed, result)
		}
	}
	if len(report.Matched) > 0 || len(report.Failures) > 0 {
		logger.Info("automation rules evaluated",
			logging.String(logging.FieldEventType, "rules_evaluated"),
			logging.Int("rules", len(rules)),
			logging.Strings("matched", report.Matched),
			logging.Int("executed", len(report.Executed)),
			logging.Int("failures", len(report.Failures)),
		)
	}
	return report
}

func (e *Engine) matches(rule *pipeline.Rule, evalCtx map[string]any) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("condition panic: %v", r)
		}
	}()
	return Matches(rule.Conditions, evalCtx), nil
}

func (e *Engine) execute(ctx context.Context, rule *pipeline.Rule, action pipeline.Action, pipelineID string, st stage.Stage) (detail string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panic: %v", r)
		}
	}()
	actor := rule.Owner

	switch action.Type {
	case pipeline.ActionRequireApproval:
		req := pipeline.CheckpointRequest{PipelineID: pipelineID, Stage: st, SubmittedBy: actor}
		if cfg := action.RequireApproval; cfg != nil {
			req.AssignedTo = cfg.Reviewers
			req.RequiredApprovals = cfg.RequiredApprovals
		}
		cp, err := e.actions.CreateCheckpoint(ctx, req)
		if err != nil {
			return "", err
		}
		return "checkpoint " + cp.ID, nil

	case pipeline.ActionAutoApprove:
		res, err := e.actions.AdvanceFrom(ctx, pipelineID, st, actor)
		if err != nil {
			return "", err
		}
		return "advanced to " + string(res.To), nil

	case pipeline.ActionNotify:
		message := action.Notify.Message
		if strings.TrimSpace(message) == "" {
			message = fmt.Sprintf("Rule %s matched at %s", ruleLabel(rule), stage.Label(st))
		}
		if err := e.actions.Notify(ctx, pipelineID, st, action.Notify.Recipients, message, actor); err != nil {
			return "", err
		}
		return fmt.Sprintf("notified %d recipients", len(action.Notify.Recipients)), nil

	case pipeline.ActionAssignReviewer:
		cp, err := e.pendingCheckpoint(ctx, pipelineID, st)
		if err != nil {
			return "", err
		}
		if _, err := e.actions.UpdateCheckpointMeta(ctx, cp.ID, workflow.MetaUpdate{
			AddReviewers: action.AssignReviewer.Reviewers,
			Actor:        actor,
		}); err != nil {
			return "", err
		}
		return "reviewers added to " + cp.ID, nil

	case pipeline.ActionSetDueDate:
		cp, err := e.pendingCheckpoint(ctx, pipelineID, st)
		if err != nil {
			return "", err
		}
		due := e.now().UTC().Add(action.SetDueDate.After.Std())
		if _, err := e.actions.UpdateCheckpointMeta(ctx, cp.ID, workflow.MetaUpdate{DueAt: &due, Actor: actor}); err != nil {
			return "", err
		}
		return "due " + due.Format(time.RFC3339), nil
	}
	return "", services.Wrap(services.ErrValidation, "automation", "execute", "unsupported action "+string(action.Type), nil)
}

func (e *Engine) pendingCheckpoint(ctx context.Context, pipelineID string, st stage.Stage) (*pipeline.Checkpoint, error) {
	cp, err := e.actions.PendingCheckpoint(ctx, pipelineID, st)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, services.Wrap(services.ErrNotFound, "automation", "execute",
			"no pending checkpoint on "+string(st), nil)
	}
	return cp, nil
}

func (e *Engine) count(action pipeline.ActionType, err error) {
	if e.runs == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	e.runs.WithLabelValues(string(action), result).Inc()
}

func ruleLabel(rule *pipeline.Rule) string {
	if rule.Name != "" {
		return rule.Name
	}
	return rule.ID
}
