package pipeline

import (
	"slices"
	"strings"
	"time"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// CheckpointStatus is the resolution state of a review checkpoint.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
	// CheckpointNeedsRevision is reserved; no transition produces it.
	CheckpointNeedsRevision CheckpointStatus = "needs_revision"
)

// Decision is a single reviewer's verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ParseDecision accepts "approve"/"approved" and "reject"/"rejected".
func ParseDecision(raw string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approve", "approved":
		return DecisionApproved, true
	case "reject", "rejected":
		return DecisionRejected, true
	default:
		return "", false
	}
}

// Approval is an immutable reviewer decision.
type Approval struct {
	Reviewer  string
	Decision  Decision
	Feedback  string
	CreatedAt time.Time
}

// Checkpoint gates a stage behind reviewer quorum.
type Checkpoint struct {
	ID                string
	PipelineID        string
	Stage             stage.Stage
	Status            CheckpointStatus
	AssignedTo        []string
	RequiredApprovals int
	Approvals         []Approval
	SubmittedBy       string
	SubmittedAt       time.Time
	ResolvedAt        *time.Time
	DueAt             *time.Time
	Notes             string
	Version           int64
}

// CurrentApprovals counts approved decisions.
func (c *Checkpoint) CurrentApprovals() int {
	count := 0
	for _, approval := range c.Approvals {
		if approval.Decision == DecisionApproved {
			count++
		}
	}
	return count
}

// IsAssigned reports whether user may decide on the checkpoint.
func (c *Checkpoint) IsAssigned(user string) bool {
	return slices.Contains(c.AssignedTo, user)
}

// HasDecided reports whether user already recorded a decision.
func (c *Checkpoint) HasDecided(user string) bool {
	for _, approval := range c.Approvals {
		if approval.Reviewer == user {
			return true
		}
	}
	return false
}

// Resolved reports whether the checkpoint reached a terminal status.
func (c *Checkpoint) Resolved() bool {
	return c.Status == CheckpointApproved || c.Status == CheckpointRejected
}

// Overdue reports whether a pending checkpoint passed its due date.
func (c *Checkpoint) Overdue(now time.Time) bool {
	return c.Status == CheckpointPending && c.DueAt != nil && now.After(*c.DueAt)
}

// CheckpointRequest describes a checkpoint to create.
type CheckpointRequest struct {
	PipelineID        string
	Stage             stage.Stage
	SubmittedBy       string
	AssignedTo        []string
	RequiredApprovals int
	DueAt             *time.Time
}

// NewCheckpoint validates req and builds a pending checkpoint. An empty
// assignee list defaults to the submitter and a quorum below one becomes one.
func NewCheckpoint(id string, req CheckpointRequest, now time.Time) (*Checkpoint, error) {
	submitter := strings.TrimSpace(req.SubmittedBy)
	if submitter == "" {
		return nil, services.Wrap(services.ErrValidation, "checkpoint", "create", "submitter is required", nil)
	}
	if !req.Stage.Valid() {
		return nil, services.Wrap(services.ErrValidation, "checkpoint", "create", "unknown stage "+string(req.Stage), nil)
	}
	assigned := normalizeUsers(req.AssignedTo)
	if len(assigned) == 0 {
		assigned = []string{submitter}
	}
	required := req.RequiredApprovals
	if required < 1 {
		required = 1
	}
	if required > len(assigned) {
		return nil, services.Wrap(services.ErrValidation, "checkpoint", "create",
			"required approvals exceed the number of assigned reviewers", nil)
	}
	return &Checkpoint{
		ID:                id,
		PipelineID:        req.PipelineID,
		Stage:             req.Stage,
		Status:            CheckpointPending,
		AssignedTo:        assigned,
		RequiredApprovals: required,
		SubmittedBy:       submitter,
		SubmittedAt:       now.UTC(),
		DueAt:             req.DueAt,
		Version:           1,
	}, nil
}

// CheckpointPatch is a targeted update of a checkpoint guarded by the
// version it was planned against.
type CheckpointPatch struct {
	ExpectedVersion int64
	Status          CheckpointStatus
	ResolvedAt      *time.Time
	Approval        *Approval
	AssignedTo      []string
	DueAt           *time.Time
	Notes           *string
}

// CheckpointPlanner turns the current checkpoint into a patch. linked reports
// whether the checkpoint is still the one its stage record points at.
type CheckpointPlanner func(cp *Checkpoint, linked bool) (CheckpointPatch, error)

// DecisionOutcome summarizes what a planned decision will do.
type DecisionOutcome struct {
	Patch    CheckpointPatch
	Resolved bool
	Status   CheckpointStatus
}

// PlanDecision validates a reviewer decision against the current checkpoint
// and returns the patch that records it. The first rejection finalizes the
// checkpoint; approvals resolve it once quorum is reached.
func PlanDecision(cp *Checkpoint, actor string, decision Decision, feedback string, now time.Time) (DecisionOutcome, error) {
	actor = strings.TrimSpace(actor)
	if decision != DecisionApproved && decision != DecisionRejected {
		return DecisionOutcome{}, services.Wrap(services.ErrValidation, "checkpoint", "decide", "unknown decision "+string(decision), nil)
	}
	if !cp.IsAssigned(actor) {
		return DecisionOutcome{}, services.Wrap(services.ErrUnauthorized, "checkpoint", "decide",
			actor+" is not assigned to checkpoint "+cp.ID, nil)
	}
	if cp.HasDecided(actor) {
		return DecisionOutcome{}, services.Wrap(services.ErrDuplicateDecision, "checkpoint", "decide",
			actor+" already decided on checkpoint "+cp.ID, services.ErrInvalidTransition)
	}
	if cp.Resolved() || cp.Status != CheckpointPending {
		return DecisionOutcome{}, services.Wrap(services.ErrInvalidTransition, "checkpoint", "decide",
			"checkpoint "+cp.ID+" is already "+string(cp.Status), nil)
	}

	now = now.UTC()
	approval := Approval{
		Reviewer:  actor,
		Decision:  decision,
		Feedback:  strings.TrimSpace(feedback),
		CreatedAt: now,
	}
	outcome := DecisionOutcome{
		Patch: CheckpointPatch{
			ExpectedVersion: cp.Version,
			Status:          CheckpointPending,
			Approval:        &approval,
		},
		Status: CheckpointPending,
	}
	switch {
	case decision == DecisionRejected:
		outcome.Status = CheckpointRejected
	case cp.CurrentApprovals()+1 >= cp.RequiredApprovals:
		outcome.Status = CheckpointApproved
	}
	if outcome.Status != CheckpointPending {
		outcome.Resolved = true
		outcome.Patch.Status = outcome.Status
		outcome.Patch.ResolvedAt = &now
	}
	return outcome, nil
}

func normalizeUsers(users []string) []string {
	out := make([]string, 0, len(users))
	for _, user := range users {
		user = strings.TrimSpace(user)
		if user == "" || slices.Contains(out, user) {
			continue
		}
		out = append(out, user)
	}
	return out
}

// MergeReviewers appends additions to existing without duplicates.
func MergeReviewers(existing, additions []string) []string {
	return normalizeUsers(append(slices.Clone(existing), additions...))
}
