package pipeline_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

func TestRuleValidate(t *testing.T) {
	valid := func() pipeline.Rule {
		return pipeline.Rule{
			Stage: stage.ScriptApproval,
			Owner: "ops",
			Conditions: []pipeline.Condition{
				{Field: "word_count", Operator: pipeline.OpLessThan, Value: "1200"},
			},
			Actions: []pipeline.Action{{Type: pipeline.ActionAutoApprove}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*pipeline.Rule)
		ok     bool
	}{
		{name: "valid", mutate: func(*pipeline.Rule) {}, ok: true},
		{name: "unknown stage", mutate: func(r *pipeline.Rule) { r.Stage = "editing" }},
		{name: "missing owner", mutate: func(r *pipeline.Rule) { r.Owner = "" }},
		{name: "no actions", mutate: func(r *pipeline.Rule) { r.Actions = nil }},
		{name: "unknown operator", mutate: func(r *pipeline.Rule) { r.Conditions[0].Operator = "matches" }},
		{name: "non numeric comparison", mutate: func(r *pipeline.Rule) { r.Conditions[0].Value = "long" }},
		{name: "empty field", mutate: func(r *pipeline.Rule) { r.Conditions[0].Field = " " }},
		{name: "unknown action", mutate: func(r *pipeline.Rule) { r.Actions[0].Type = "escalate" }},
		{name: "notify without recipients", mutate: func(r *pipeline.Rule) {
			r.Actions = []pipeline.Action{{Type: pipeline.ActionNotify, Notify: &pipeline.NotifyConfig{}}}
		}},
		{name: "auto approve with config", mutate: func(r *pipeline.Rule) {
			r.Actions[0].Notify = &pipeline.NotifyConfig{Recipients: []string{"a"}}
		}},
		{name: "due date without duration", mutate: func(r *pipeline.Rule) {
			r.Actions = []pipeline.Action{{Type: pipeline.ActionSetDueDate, SetDueDate: &pipeline.SetDueDateConfig{}}}
		}},
		{name: "due date", mutate: func(r *pipeline.Rule) {
			r.Actions = []pipeline.Action{{Type: pipeline.ActionSetDueDate, SetDueDate: &pipeline.SetDueDateConfig{After: pipeline.Duration(48 * time.Hour)}}}
		}, ok: true},
		{name: "quorum above reviewers", mutate: func(r *pipeline.Rule) {
			r.Actions = []pipeline.Action{{Type: pipeline.ActionRequireApproval, RequireApproval: &pipeline.RequireApprovalConfig{
				Reviewers: []string{"a"}, RequiredApprovals: 2,
			}}}
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rule := valid()
			tc.mutate(&rule)
			err := rule.Validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, services.ErrValidation))
		})
	}
}

func TestRequireApprovalDefaultsQuorum(t *testing.T) {
	rule := pipeline.Rule{
		Stage:   stage.VideoQA,
		Owner:   "ops",
		Actions: []pipeline.Action{{Type: pipeline.ActionRequireApproval}},
	}
	require.NoError(t, rule.Validate())
	require.NotNil(t, rule.Actions[0].RequireApproval)
	assert.Equal(t, 1, rule.Actions[0].RequireApproval.RequiredApprovals)
}

func TestDurationText(t *testing.T) {
	var d pipeline.Duration
	require.NoError(t, d.UnmarshalText([]byte("36h")))
	assert.Equal(t, 36*time.Hour, d.Std())
	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "36h0m0s", string(text))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestChangeFilterMatches(t *testing.T) {
	change := pipeline.Change{Kind: pipeline.ChangeCheckpoint, ProjectID: "p1", Users: []string{"u1", "u2"}}

	assert.True(t, pipeline.ChangeFilter{}.Matches(change))
	assert.True(t, pipeline.ChangeFilter{ProjectID: "p1"}.Matches(change))
	assert.False(t, pipeline.ChangeFilter{ProjectID: "p2"}.Matches(change))
	assert.True(t, pipeline.ChangeFilter{UserID: "u2", Kinds: []pipeline.ChangeKind{pipeline.ChangeCheckpoint}}.Matches(change))
	assert.False(t, pipeline.ChangeFilter{UserID: "u3"}.Matches(change))
	assert.False(t, pipeline.ChangeFilter{Kinds: []pipeline.ChangeKind{pipeline.ChangeInbox}}.Matches(change))
}
