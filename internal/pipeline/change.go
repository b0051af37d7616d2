package pipeline

import (
	"slices"
	"time"
)

// ChangeKind identifies which record family a committed write touched.
type ChangeKind string

const (
	ChangePipeline   ChangeKind = "pipeline"
	ChangeArtifact   ChangeKind = "artifact"
	ChangeCheckpoint ChangeKind = "checkpoint"
	ChangeActivity   ChangeKind = "activity"
	ChangeInbox      ChangeKind = "inbox"
)

// Change is published by the store after every committed write.
type Change struct {
	Seq          int64
	Kind         ChangeKind
	PipelineID   string
	ProjectID    string
	CheckpointID string
	Users        []string
	At           time.Time
}

// ChangeFilter selects changes for a subscriber. Empty fields match
// everything.
type ChangeFilter struct {
	ProjectID string
	UserID    string
	Kinds     []ChangeKind
}

// Matches reports whether c passes the filter.
func (f ChangeFilter) Matches(c Change) bool {
	if f.ProjectID != "" && f.ProjectID != c.ProjectID {
		return false
	}
	if f.UserID != "" && !slices.Contains(c.Users, f.UserID) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, c.Kind) {
		return false
	}
	return true
}
