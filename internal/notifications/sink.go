package notifications

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/config"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
)

// Channel names a delivery route.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// Notification is a rendered message for a single recipient.
type Notification struct {
	Kind         string
	Title        string
	Message      string
	Tags         []string
	Priority     string
	PipelineID   string
	CheckpointID string
	// Channels restricts delivery; empty means every configured channel.
	Channels []Channel
}

func (n Notification) allows(channel Channel) bool {
	return len(n.Channels) == 0 || slices.Contains(n.Channels, channel)
}

// Sink delivers notifications to users.
type Sink interface {
	Send(ctx context.Context, userID string, n Notification) error
}

// InboxWriter persists in-app notifications.
type InboxWriter interface {
	SendInbox(ctx context.Context, n pipeline.InboxNotification) error
}

// NewSink builds the fan-out sink for the configured channels. A nil inbox
// disables in-app delivery.
func NewSink(cfg *config.Config, inbox InboxWriter) Sink {
	var routes []route
	if cfg != nil && cfg.PushEnabled() {
		routes = append(routes, route{channel: ChannelPush, sink: NewNtfySink(cfg.Notifications.NtfyURL,
			cfg.Notifications.NtfyTopicPrefix, cfg.NotificationTimeout())})
	}
	if inbox != nil && (cfg == nil || cfg.Notifications.InApp) {
		routes = append(routes, route{channel: ChannelInApp, sink: NewInboxSink(inbox)})
	}
	if len(routes) == 0 {
		return Noop()
	}
	return &fanout{routes: routes}
}

type route struct {
	channel Channel
	sink    Sink
}

type fanout struct {
	routes []route
}

// Send attempts every allowed channel and joins their failures.
func (f *fanout) Send(ctx context.Context, userID string, n Notification) error {
	var errs []error
	for _, r := range f.routes {
		if !n.allows(r.channel) {
			continue
		}
		if err := r.sink.Send(ctx, userID, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewInboxSink stores notifications in the in-app inbox.
func NewInboxSink(inbox InboxWriter) Sink {
	return &inboxSink{inbox: inbox, now: time.Now}
}

type inboxSink struct {
	inbox InboxWriter
	now   func() time.Time
}

func (s *inboxSink) Send(ctx context.Context, userID string, n Notification) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}
	return s.inbox.SendInbox(ctx, pipeline.InboxNotification{
		ID:           uuid.NewString(),
		UserID:       userID,
		Kind:         n.Kind,
		Title:        n.Title,
		Message:      n.Message,
		PipelineID:   n.PipelineID,
		CheckpointID: n.CheckpointID,
		CreatedAt:    s.now().UTC(),
	})
}

// Noop returns a sink that discards everything.
func Noop() Sink {
	return noopSink{}
}

type noopSink struct{}

func (noopSink) Send(context.Context, string, Notification) error { return nil }
