package store

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

const ruleColumns = `id, name, stage, priority, active, owner, conditions_json, actions_json, created_at`

// CreateRule persists an already validated rule.
func (s *Store) CreateRule(ctx context.Context, rule *pipeline.Rule) error {
	if rule == nil {
		return services.Wrap(services.ErrValidation, "store", "create rule", "rule is nil", nil)
	}
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx *sql.Tx, _ *[]pipeline.Change) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rule.ID, nullableString(rule.Name), string(rule.Stage), rule.Priority, boolToInt(rule.Active),
			rule.Owner, string(conditions), string(actions), formatTime(rule.CreatedAt),
		); err != nil {
			if isUniqueViolation(err) {
				return services.Wrap(services.ErrConflict, "store", "create rule", "rule "+rule.ID+" already exists", nil)
			}
			return fmt.Errorf("insert rule: %w", err)
		}
		return nil
	})
}

// ActiveRulesForStage returns the stage's active rules ordered by ascending
// priority, then creation time.
func (s *Store) ActiveRulesForStage(ctx context.Context, st stage.Stage) ([]*pipeline.Rule, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules
        WHERE stage = ? AND active = 1 ORDER BY priority, created_at, id`, string(st))
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	return collectRules(rows)
}

// ListRules returns every rule ordered by stage position and priority.
func (s *Store) ListRules(ctx context.Context) ([]*pipeline.Rule, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY priority, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	rules, err := collectRules(rows)
	if err != nil {
		return nil, err
	}
	sortRulesByStage(rules)
	return rules, nil
}

// SetRuleActive toggles a rule.
func (s *Store) SetRuleActive(ctx context.Context, id string, active bool) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx *sql.Tx, _ *[]pipeline.Change) error {
		res, err := tx.ExecContext(ctx, "UPDATE rules SET active = ? WHERE id = ?", boolToInt(active), id)
		if err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return services.Wrap(services.ErrNotFound, "store", "set rule active", "rule "+id+" not found", nil)
		}
		return nil
	})
}

func collectRules(rows *sql.Rows) ([]*pipeline.Rule, error) {
	defer rows.Close()
	var rules []*pipeline.Rule
	for rows.Next() {
		var (
			rule       pipeline.Rule
			name       sql.NullString
			stageName  string
			active     int
			conditions string
			actions    string
			createdAt  sql.NullString
		)
		if err := rows.Scan(&rule.ID, &name, &stageName, &rule.Priority, &active, &rule.Owner,
			&conditions, &actions, &createdAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule.Name = name.String
		rule.Stage = stage.Stage(stageName)
		rule.Active = active != 0
		rule.CreatedAt = parseTime(createdAt)
		if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions for rule %s: %w", rule.ID, err)
		}
		if err := json.Unmarshal([]byte(actions), &rule.Actions); err != nil {
			return nil, fmt.Errorf("decode actions for rule %s: %w", rule.ID, err)
		}
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

func sortRulesByStage(rules []*pipeline.Rule) {
	slices.SortStableFunc(rules, func(a, b *pipeline.Rule) int {
		return cmp.Compare(stage.Index(a.Stage), stage.Index(b.Stage))
	})
}
