package notifications

import (
	"fmt"
	"strings"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// Kinds of notifications users can mute individually.
const (
	KindReviewRequested    = "review_requested"
	KindCheckpointApproved = "checkpoint_approved"
	KindCheckpointRejected = "checkpoint_rejected"
	KindPipelineCreated    = "pipeline_created"
	KindPipelineRolledBack = "pipeline_rolled_back"
	KindPipelinePublished  = "pipeline_published"
	KindRuleNotice         = "rule_notice"
)

// ReviewRequested asks a reviewer to decide on a checkpoint.
func ReviewRequested(projectID string, st stage.Stage, submittedBy string) Notification {
	return Notification{
		Kind:    KindReviewRequested,
		Title:   "Episodes - Review Requested",
		Message: fmt.Sprintf("📝 %s needs your review for %s (submitted by %s)", stage.Label(st), projectID, submittedBy),
		Tags:    []string{"episodes", "review", string(st)},
	}
}

// CheckpointResolved reports a final checkpoint outcome.
func CheckpointResolved(projectID string, st stage.Stage, approved bool, feedback string) Notification {
	if approved {
		return Notification{
			Kind:    KindCheckpointApproved,
			Title:   "Episodes - Approved",
			Message: fmt.Sprintf("✅ %s approved for %s", stage.Label(st), projectID),
			Tags:    []string{"episodes", "review", "approved"},
		}
	}
	message := fmt.Sprintf("❌ %s rejected for %s", stage.Label(st), projectID)
	if feedback = strings.TrimSpace(feedback); feedback != "" {
		message += "\nFeedback: " + feedback
	}
	return Notification{
		Kind:     KindCheckpointRejected,
		Title:    "Episodes - Rejected",
		Message:  message,
		Tags:     []string{"episodes", "review", "rejected"},
		Priority: "high",
	}
}

// PipelineCreated confirms a new pipeline.
func PipelineCreated(projectID string) Notification {
	return Notification{
		Kind:    KindPipelineCreated,
		Title:   "Episodes - Pipeline Created",
		Message: fmt.Sprintf("🎬 Pipeline started for %s", projectID),
		Tags:    []string{"episodes", "pipeline", "created"},
	}
}

// PipelineRolledBack reports a rollback and its reason.
func PipelineRolledBack(projectID string, target stage.Stage, actor, reason string) Notification {
	message := fmt.Sprintf("↩️ %s rolled back to %s by %s", projectID, stage.Label(target), actor)
	if reason = strings.TrimSpace(reason); reason != "" {
		message += "\nReason: " + reason
	}
	return Notification{
		Kind:    KindPipelineRolledBack,
		Title:   "Episodes - Rolled Back",
		Message: message,
		Tags:    []string{"episodes", "pipeline", "rollback"},
	}
}

// PipelinePublished announces the terminal stage.
func PipelinePublished(projectID string) Notification {
	return Notification{
		Kind:     KindPipelinePublished,
		Title:    "Episodes - Published",
		Message:  fmt.Sprintf("🚀 %s is published", projectID),
		Tags:     []string{"episodes", "pipeline", "published"},
		Priority: "high",
	}
}

// RuleNotice carries an automation rule's message.
func RuleNotice(projectID string, st stage.Stage, message string) Notification {
	if message = strings.TrimSpace(message); message == "" {
		message = fmt.Sprintf("Automation rule matched at %s", stage.Label(st))
	}
	return Notification{
		Kind:    KindRuleNotice,
		Title:   "Episodes - " + projectID,
		Message: message,
		Tags:    []string{"episodes", "automation", string(st)},
	}
}
