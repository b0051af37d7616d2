package automation

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

type ruleDocument struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name       string               `yaml:"name"`
	Stage      string               `yaml:"stage"`
	Priority   int                  `yaml:"priority"`
	Active     *bool                `yaml:"active"`
	Conditions []pipeline.Condition `yaml:"conditions"`
	Actions    []pipeline.Action    `yaml:"actions"`
}

// ImportFailure describes a rule from an import document that was not
// created.
type ImportFailure struct {
	Index int
	Name  string
	Err   error
}

// ImportResult lists the outcome of ImportYAML.
type ImportResult struct {
	Created []*pipeline.Rule
	Failed  []ImportFailure
}

// ImportYAML reads a document with a top-level "rules" list and creates
// every rule in it, owned by owner. Rules are active unless they set
// active: false. A rule that fails validation does not stop the others; only
// an unreadable document returns an error.
func (e *Engine) ImportYAML(ctx context.Context, r io.Reader, owner string) (ImportResult, error) {
	var doc ruleDocument
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return ImportResult{}, nil
		}
		return ImportResult{}, fmt.Errorf("decode rules: %w", err)
	}

	var result ImportResult
	for i, entry := range doc.Rules {
		active := true
		if entry.Active != nil {
			active = *entry.Active
		}
		st, ok := stage.Parse(entry.Stage)
		if !ok {
			st = stage.Stage(entry.Stage)
		}
		created, err := e.CreateRule(ctx, pipeline.Rule{
			Name:       entry.Name,
			Stage:      st,
			Conditions: entry.Conditions,
			Actions:    entry.Actions,
			Priority:   entry.Priority,
			Active:     active,
			Owner:      owner,
		})
		if err != nil {
			result.Failed = append(result.Failed, ImportFailure{Index: i, Name: entry.Name, Err: err})
			continue
		}
		result.Created = append(result.Created, created)
	}
	return result, nil
}
