package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/notifications"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
)

// NotificationHandler renders user-facing events and sends them to every
// recipient, honoring the pipeline's notification preferences.
func NotificationHandler(sink notifications.Sink) Handler {
	if sink == nil {
		sink = notifications.Noop()
	}
	return HandlerFunc(func(ctx context.Context, ev Event) error {
		n, ok := render(ev)
		if !ok || len(ev.Recipients) == 0 {
			return nil
		}
		if !ev.Prefs.Allows(n.Kind) {
			return nil
		}
		n.PipelineID = ev.PipelineID
		n.CheckpointID = ev.CheckpointID
		n.Channels = channelsFor(ev.Prefs)

		var errs []error
		for _, user := range ev.Recipients {
			if err := sink.Send(ctx, user, n); err != nil {
				errs = append(errs, fmt.Errorf("notify %s: %w", user, err))
			}
		}
		return errors.Join(errs...)
	})
}

func render(ev Event) (notifications.Notification, bool) {
	switch ev.Kind {
	case PipelineCreated:
		return notifications.PipelineCreated(ev.ProjectID), true
	case CheckpointCreated, ReviewersAssigned:
		return notifications.ReviewRequested(ev.ProjectID, ev.Stage, ev.Actor), true
	case CheckpointResolved:
		return notifications.CheckpointResolved(ev.ProjectID, ev.Stage, ev.Outcome == pipeline.CheckpointApproved, ev.Detail), true
	case PipelineRolledBack:
		return notifications.PipelineRolledBack(ev.ProjectID, ev.Stage, ev.Actor, ev.Detail), true
	case PipelinePublished:
		return notifications.PipelinePublished(ev.ProjectID), true
	case RuleNotice:
		return notifications.RuleNotice(ev.ProjectID, ev.Stage, ev.Detail), true
	default:
		return notifications.Notification{}, false
	}
}

func channelsFor(prefs pipeline.NotificationPrefs) []notifications.Channel {
	channels := make([]notifications.Channel, 0, 2)
	if prefs.Push {
		channels = append(channels, notifications.ChannelPush)
	}
	if prefs.InApp {
		channels = append(channels, notifications.ChannelInApp)
	}
	return channels
}

// ActivityLog appends project history entries.
type ActivityLog interface {
	AppendActivity(ctx context.Context, activity pipeline.Activity) error
}

// ActivityHandler records every project-scoped event in the project history.
func ActivityHandler(log ActivityLog) Handler {
	return HandlerFunc(func(ctx context.Context, ev Event) error {
		if log == nil || ev.ProjectID == "" {
			return nil
		}
		at := ev.At
		if at.IsZero() {
			at = time.Now()
		}
		return log.AppendActivity(ctx, pipeline.Activity{
			ID:           uuid.NewString(),
			PipelineID:   ev.PipelineID,
			ProjectID:    ev.ProjectID,
			Kind:         string(ev.Kind),
			Stage:        ev.Stage,
			CheckpointID: ev.CheckpointID,
			Actor:        ev.Actor,
			Detail:       describe(ev),
			CreatedAt:    at.UTC(),
		})
	})
}

func describe(ev Event) string {
	switch ev.Kind {
	case CheckpointResolved:
		if ev.Detail != "" {
			return string(ev.Outcome) + ": " + ev.Detail
		}
		return string(ev.Outcome)
	default:
		return ev.Detail
	}
}
