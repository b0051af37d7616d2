package tracking

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
)

// Key prefixes.
const (
	PrefixProject       = "project:"
	PrefixDashboard     = "dashboard:"
	PrefixNotifications = "notifications:"
)

// ErrClosed is returned when subscribing on a closed hub.
var ErrClosed = errors.New("tracking hub closed")

const defaultActivityLimit = 20

// ProjectKey returns the subscription key for a project.
func ProjectKey(projectID string) string { return PrefixProject + projectID }

// DashboardKey returns the subscription key for a user's dashboard.
func DashboardKey(userID string) string { return PrefixDashboard + userID }

// NotificationsKey returns the subscription key for a user's notifications.
func NotificationsKey(userID string) string { return PrefixNotifications + userID }

// Option customizes a Hub.
type Option func(*Hub)

// WithActivityLimit bounds recent activity and unread inbox entries per view.
func WithActivityLimit(limit int) Option {
	return func(h *Hub) {
		if limit > 0 {
			h.activityLimit = limit
		}
	}
}

// WithClock overrides the clock used for overdue checks.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// Hub is an instance-scoped subscription registry.
type Hub struct {
	source        Source
	logger        *slog.Logger
	activityLimit int
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	key     string
	compute func(ctx context.Context) (any, error)
	deliver func(any)

	active atomic.Bool

	stopMu  sync.Mutex
	stop    func()
	stopped bool

	// deliverMu serializes recompute and delivery so callbacks observe
	// views in upstream order.
	deliverMu sync.Mutex
	last      [sha256.Size]byte
	delivered bool

	// gate is held for the active check and the callback together. cancel
	// takes it too, so it returns only after a running callback finished.
	gate sync.Mutex
}

// New constructs an empty hub reading from source.
func New(source Source, logger *slog.Logger, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		source:        source,
		logger:        logging.NewComponentLogger(logger, "tracking"),
		activityLimit: defaultActivityLimit,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		subs:          make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SubscribeProject delivers the project's view now and after every change to
// the project.
func (h *Hub) SubscribeProject(ctx context.Context, projectID string, fn func(ProjectView)) (string, error) {
	if strings.TrimSpace(projectID) == "" {
		return "", services.Wrap(services.ErrValidation, "tracking", "subscribe", "project id is required", nil)
	}
	if fn == nil {
		return "", services.Wrap(services.ErrValidation, "tracking", "subscribe", "callback is required", nil)
	}
	key := ProjectKey(projectID)
	sub := &subscription{
		key: key,
		compute: func(ctx context.Context) (any, error) {
			return h.projectView(ctx, projectID)
		},
		deliver: func(v any) { fn(v.(ProjectView)) },
	}
	return key, h.register(ctx, sub, func(onChange func(pipeline.Change)) func() {
		return h.source.SubscribeByProject(projectID, onChange)
	})
}

// SubscribeDashboard delivers the user's dashboard now and after every
// change to a pipeline the user created or reviews.
func (h *Hub) SubscribeDashboard(ctx context.Context, userID string, fn func(DashboardView)) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", services.Wrap(services.ErrValidation, "tracking", "subscribe", "user id is required", nil)
	}
	if fn == nil {
		return "", services.Wrap(services.ErrValidation, "tracking", "subscribe", "callback is required", nil)
	}
	key := DashboardKey(userID)
	sub := &subscription{
		key: key,
		compute: func(ctx context.Context) (any, error) {
			return h.dashboardView(ctx, userID)
		},
		deliver: func(v any) { fn(v.(DashboardView)) },
	}
	filter := pipeline.ChangeFilter{
		UserID: userID,
		Kinds:  []pipeline.ChangeKind{pipeline.ChangePipeline, pipeline.ChangeCheckpoint},
	}
	return key, h.register(ctx, sub, func(onChange func(pipeline.Change)) func() {
		return h.source.SubscribeByFilter(filter, onChange)
	})
}

// SubscribeNotifications delivers the user's pending reviews and unread
// inbox now and after every change addressed to the user.
func (h *Hub) SubscribeNotifications(ctx context.Context, userID string, fn func(NotificationsView)) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", services.Wrap(services.ErrValidation, "tracking", "subscribe", "user id is required", nil)
	}
	if fn == nil {
		return "", services.Wrap(services.ErrValidation, "tracking", "subscribe", "callback is required", nil)
	}
	key := NotificationsKey(userID)
	sub := &subscription{
		key: key,
		compute: func(ctx context.Context) (any, error) {
			return h.notificationsView(ctx, userID)
		},
		deliver: func(v any) { fn(v.(NotificationsView)) },
	}
	filter := pipeline.ChangeFilter{
		UserID: userID,
		Kinds:  []pipeline.ChangeKind{pipeline.ChangeCheckpoint, pipeline.ChangeInbox},
	}
	return key, h.register(ctx, sub, func(onChange func(pipeline.Change)) func() {
		return h.source.SubscribeByFilter(filter, onChange)
	})
}

// Subscribe routes key to the matching typed subscription and hands views to
// fn as values of ProjectView, DashboardView or NotificationsView.
func (h *Hub) Subscribe(ctx context.Context, key string, fn func(any)) error {
	if fn == nil {
		return services.Wrap(services.ErrValidation, "tracking", "subscribe", "callback is required", nil)
	}
	var err error
	switch {
	case strings.HasPrefix(key, PrefixProject):
		_, err = h.SubscribeProject(ctx, strings.TrimPrefix(key, PrefixProject), func(v ProjectView) { fn(v) })
	case strings.HasPrefix(key, PrefixDashboard):
		_, err = h.SubscribeDashboard(ctx, strings.TrimPrefix(key, PrefixDashboard), func(v DashboardView) { fn(v) })
	case strings.HasPrefix(key, PrefixNotifications):
		_, err = h.SubscribeNotifications(ctx, strings.TrimPrefix(key, PrefixNotifications), func(v NotificationsView) { fn(v) })
	default:
		err = services.Wrap(services.ErrValidation, "tracking", "subscribe", "unknown subscription key "+key, nil)
	}
	return err
}

func (h *Hub) register(ctx context.Context, sub *subscription, listen func(func(pipeline.Change)) func()) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	previous := h.subs[sub.key]
	sub.active.Store(true)
	h.subs[sub.key] = sub
	h.mu.Unlock()
	if previous != nil {
		previous.cancel()
	}

	// Hold delivery until the initial view is out so it is always first.
	sub.deliverMu.Lock()
	sub.setStop(listen(func(pipeline.Change) { h.refresh(sub) }))
	view, err := sub.compute(ctx)
	if err != nil {
		sub.deliverMu.Unlock()
		h.remove(sub)
		return err
	}
	h.deliverLocked(sub, view)
	sub.deliverMu.Unlock()

	h.logger.Debug("subscription registered",
		logging.String(logging.FieldEventType, "subscription_registered"),
		logging.String("key", sub.key),
	)
	return nil
}

func (h *Hub) refresh(sub *subscription) {
	if !sub.active.Load() {
		return
	}
	sub.deliverMu.Lock()
	defer sub.deliverMu.Unlock()
	if !sub.active.Load() {
		return
	}
	view, err := sub.compute(h.ctx)
	if err != nil {
		if sub.active.Load() {
			logging.WarnWithContext(h.logger, "view recompute failed", "view_recompute_failed",
				logging.String("key", sub.key),
				logging.Error(err),
				logging.String(logging.FieldImpact, "subscriber keeps the previous view"),
			)
		}
		return
	}
	h.deliverLocked(sub, view)
}

// deliverLocked must be called with sub.deliverMu held.
func (h *Hub) deliverLocked(sub *subscription, view any) {
	sum, err := fingerprint(view)
	if err == nil && sub.delivered && sum == sub.last {
		return
	}
	sub.gate.Lock()
	defer sub.gate.Unlock()
	if !sub.active.Load() {
		return
	}
	sub.last = sum
	sub.delivered = true
	sub.deliver(view)
}

func fingerprint(view any) ([sha256.Size]byte, error) {
	if pv, ok := view.(ProjectView); ok && pv.Pipeline != nil {
		// Elapsed grows on every load and is not part of the view's identity.
		stable := *pv.Pipeline
		stable.Metrics.Elapsed = 0
		pv.Pipeline = &stable
		view = pv
	}
	data, err := json.Marshal(view)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}

func (s *subscription) setStop(stop func()) {
	s.stopMu.Lock()
	if s.stopped {
		s.stopMu.Unlock()
		stop()
		return
	}
	s.stop = stop
	s.stopMu.Unlock()
}

func (s *subscription) cancel() {
	s.gate.Lock()
	s.active.Store(false)
	s.gate.Unlock()
	s.stopMu.Lock()
	s.stopped = true
	stop := s.stop
	s.stop = nil
	s.stopMu.Unlock()
	if stop != nil {
		stop()
	}
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	if current, ok := h.subs[sub.key]; ok && current == sub {
		delete(h.subs, sub.key)
	}
	h.mu.Unlock()
	sub.cancel()
}

// Unsubscribe stops delivery for key. Unknown keys are ignored. It waits for
// a callback of key that is already running, so no callback runs after it
// returns; a callback must not unsubscribe or replace its own key inline.
func (h *Hub) Unsubscribe(key string) {
	h.mu.Lock()
	sub, ok := h.subs[key]
	if ok {
		delete(h.subs, key)
	}
	h.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// UnsubscribeAll stops every subscription of this hub.
func (h *Hub) UnsubscribeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
}

// Keys lists the live subscription keys.
func (h *Hub) Keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]string, 0, len(h.subs))
	for key := range h.subs {
		keys = append(keys, key)
	}
	return keys
}

// Close unsubscribes everything and rejects new subscriptions. It is safe to
// call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.UnsubscribeAll()
	h.cancel()
}
