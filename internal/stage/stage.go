// Package stage describes the fixed production sequence every pipeline walks
// through and classifies each step as gated (resolved by a review checkpoint)
// or automatic (driven by an external generation job).
package stage

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Stage identifies one step of the production sequence.
type Stage string

const (
	Idea               Stage = "idea"
	IdeaReview         Stage = "idea_review"
	Script             Stage = "script"
	ScriptApproval     Stage = "script_approval"
	Storyboard         Stage = "storyboard"
	StoryboardApproval Stage = "storyboard_approval"
	Video              Stage = "video"
	VideoQA            Stage = "video_qa"
	Published          Stage = "published"
)

var ordered = []Stage{
	Idea,
	IdeaReview,
	Script,
	ScriptApproval,
	Storyboard,
	StoryboardApproval,
	Video,
	VideoQA,
	Published,
}

var gated = map[Stage]bool{
	IdeaReview:         true,
	ScriptApproval:     true,
	StoryboardApproval: true,
	VideoQA:            true,
}

// Job types enqueued when an automatic stage is entered.
const (
	JobScriptGeneration     = "script_generation"
	JobStoryboardGeneration = "storyboard_generation"
	JobVideoGeneration      = "video_generation"
	JobPublish              = "publish"
)

var jobTypes = map[Stage]string{
	Script:     JobScriptGeneration,
	Storyboard: JobStoryboardGeneration,
	Video:      JobVideoGeneration,
	Published:  JobPublish,
}

var labelOverrides = map[Stage]string{
	VideoQA: "Video QA",
}

var titleCaser = cases.Title(language.English)

// All returns the stages in production order.
func All() []Stage {
	out := make([]Stage, len(ordered))
	copy(out, ordered)
	return out
}

// Count is the number of stages in the sequence.
func Count() int { return len(ordered) }

// First returns the stage every new pipeline starts in.
func First() Stage { return ordered[0] }

// Last returns the terminal stage.
func Last() Stage { return ordered[len(ordered)-1] }

// Index returns the position of s in the sequence, or -1 when s is unknown.
func Index(s Stage) int {
	for i, candidate := range ordered {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s. The boolean is false when s is the
// terminal stage or unknown.
func Next(s Stage) (Stage, bool) {
	idx := Index(s)
	if idx < 0 || idx == len(ordered)-1 {
		return "", false
	}
	return ordered[idx+1], true
}

// Previous returns the stage preceding s.
func Previous(s Stage) (Stage, bool) {
	idx := Index(s)
	if idx <= 0 {
		return "", false
	}
	return ordered[idx-1], true
}

// IsGated reports whether s must be resolved through a review checkpoint.
func IsGated(s Stage) bool {
	return gated[s]
}

// IsTerminal reports whether s is the final stage.
func IsTerminal(s Stage) bool {
	return s == Last()
}

// JobType returns the generation job dispatched when s is entered. Gated
// stages and the initial stage have none.
func JobType(s Stage) (string, bool) {
	job, ok := jobTypes[s]
	return job, ok
}

// Valid reports whether s is a member of the sequence.
func (s Stage) Valid() bool {
	return Index(s) >= 0
}

func (s Stage) String() string {
	return string(s)
}

// Parse resolves user input such as "Script-Approval" or " video_qa " to a
// stage.
func Parse(raw string) (Stage, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	candidate := Stage(normalized)
	if !candidate.Valid() {
		return "", false
	}
	return candidate, true
}

// Label returns a human readable name for s.
func Label(s Stage) string {
	if label, ok := labelOverrides[s]; ok {
		return label
	}
	return titleCaser.String(strings.ReplaceAll(string(s), "_", " "))
}
