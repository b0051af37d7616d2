package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// Operator is the comparison a rule condition applies.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
)

// Numeric reports whether op compares numbers.
func (op Operator) Numeric() bool {
	return op == OpGreaterThan || op == OpLessThan
}

func (op Operator) valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains:
		return true
	default:
		return false
	}
}

// Condition is one clause of a rule. Value holds the literal to compare
// against; numeric operators require it to parse as a number.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    string   `json:"value" yaml:"value"`
}

// Number returns Value parsed as a float.
func (c Condition) Number() (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
}

// ActionType identifies what a matched rule does.
type ActionType string

const (
	ActionRequireApproval ActionType = "require_approval"
	ActionAutoApprove     ActionType = "auto_approve"
	ActionNotify          ActionType = "notify"
	ActionAssignReviewer  ActionType = "assign_reviewer"
	ActionSetDueDate      ActionType = "set_due_date"
)

// RequireApprovalConfig configures a checkpoint created by a rule.
type RequireApprovalConfig struct {
	Reviewers         []string `json:"reviewers,omitempty" yaml:"reviewers"`
	RequiredApprovals int      `json:"requiredApprovals,omitempty" yaml:"required_approvals"`
}

// NotifyConfig lists notification recipients.
type NotifyConfig struct {
	Recipients []string `json:"recipients" yaml:"recipients"`
	Message    string   `json:"message,omitempty" yaml:"message"`
}

// AssignReviewerConfig adds reviewers to the stage's pending checkpoint.
type AssignReviewerConfig struct {
	Reviewers []string `json:"reviewers" yaml:"reviewers"`
}

// SetDueDateConfig sets the pending checkpoint's due date relative to now.
type SetDueDateConfig struct {
	After Duration `json:"after" yaml:"after"`
}

// Action is a tagged variant: exactly the configuration matching Type is set.
type Action struct {
	Type            ActionType             `json:"type" yaml:"type"`
	RequireApproval *RequireApprovalConfig `json:"requireApproval,omitempty" yaml:"require_approval"`
	Notify          *NotifyConfig          `json:"notify,omitempty" yaml:"notify"`
	AssignReviewer  *AssignReviewerConfig  `json:"assignReviewer,omitempty" yaml:"assign_reviewer"`
	SetDueDate      *SetDueDateConfig      `json:"setDueDate,omitempty" yaml:"set_due_date"`
}

// Rule is a declarative per-stage automation.
type Rule struct {
	ID         string
	Name       string
	Stage      stage.Stage
	Conditions []Condition
	Actions    []Action
	Priority   int
	Active     bool
	Owner      string
	CreatedAt  time.Time
}

// Validate rejects malformed rules so a stored rule can never be a silent
// no-op at evaluation time.
func (r *Rule) Validate() error {
	if !r.Stage.Valid() {
		return ruleError("unknown stage %q", r.Stage)
	}
	if strings.TrimSpace(r.Owner) == "" {
		return ruleError("owner is required")
	}
	if len(r.Actions) == 0 {
		return ruleError("at least one action is required")
	}
	for i, cond := range r.Conditions {
		if strings.TrimSpace(cond.Field) == "" {
			return ruleError("condition %d: field is required", i)
		}
		if !cond.Operator.valid() {
			return ruleError("condition %d: unsupported operator %q", i, cond.Operator)
		}
		if cond.Operator.Numeric() {
			if _, err := cond.Number(); err != nil {
				return ruleError("condition %d: %s requires a numeric value, got %q", i, cond.Operator, cond.Value)
			}
		}
	}
	for i := range r.Actions {
		if err := validateAction(&r.Actions[i]); err != nil {
			return ruleError("action %d (%s): %v", i, r.Actions[i].Type, err)
		}
	}
	return nil
}

func validateAction(a *Action) error {
	configs := 0
	for _, set := range []bool{a.RequireApproval != nil, a.Notify != nil, a.AssignReviewer != nil, a.SetDueDate != nil} {
		if set {
			configs++
		}
	}
	switch a.Type {
	case ActionAutoApprove:
		if configs != 0 {
			return fmt.Errorf("takes no configuration")
		}
		return nil
	case ActionRequireApproval:
		if a.RequireApproval == nil {
			a.RequireApproval = &RequireApprovalConfig{}
		}
		cfg := a.RequireApproval
		cfg.Reviewers = normalizeUsers(cfg.Reviewers)
		if cfg.RequiredApprovals < 1 {
			cfg.RequiredApprovals = 1
		}
		if len(cfg.Reviewers) > 0 && cfg.RequiredApprovals > len(cfg.Reviewers) {
			return fmt.Errorf("required approvals exceed reviewers")
		}
	case ActionNotify:
		if a.Notify == nil || len(normalizeUsers(a.Notify.Recipients)) == 0 {
			return fmt.Errorf("recipients are required")
		}
		a.Notify.Recipients = normalizeUsers(a.Notify.Recipients)
	case ActionAssignReviewer:
		if a.AssignReviewer == nil || len(normalizeUsers(a.AssignReviewer.Reviewers)) == 0 {
			return fmt.Errorf("reviewers are required")
		}
		a.AssignReviewer.Reviewers = normalizeUsers(a.AssignReviewer.Reviewers)
	case ActionSetDueDate:
		if a.SetDueDate == nil || a.SetDueDate.After <= 0 {
			return fmt.Errorf("a positive duration is required")
		}
	default:
		return fmt.Errorf("unsupported action type")
	}
	if configs > 1 {
		return fmt.Errorf("only the %s configuration may be set", a.Type)
	}
	return nil
}

func ruleError(format string, args ...any) error {
	return services.Wrap(services.ErrValidation, "rule", "validate", fmt.Sprintf(format, args...), nil)
}

// Duration is a time.Duration that reads and writes Go duration strings.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(parsed)
	return nil
}
