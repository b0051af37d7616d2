package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/api"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
)

const watchHeartbeat = 15 * time.Second

// latestView holds the newest undelivered view. Views are full snapshots, so
// a slow client only ever needs the most recent one.
type latestView struct {
	mu    sync.Mutex
	view  any
	ready chan struct{}
}

func newLatestView() *latestView {
	return &latestView{ready: make(chan struct{}, 1)}
}

func (l *latestView) put(v any) {
	l.mu.Lock()
	l.view = v
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latestView) take() any {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.view
	l.view = nil
	return v
}

// handleWatch streams views for one subscription key as server-sent events.
// Each connection owns its hub so clients never share or cancel each other's
// subscriptions.
func (s *apiServer) handleWatch(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "validation", "key is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	ctx := r.Context()
	hub := s.service.NewHub()
	defer hub.Close()

	latest := newLatestView()
	if err := hub.Subscribe(ctx, key, func(v any) { latest.put(api.FromView(v)) }); err != nil {
		s.fail(w, r, err)
		return
	}
	s.daemon.streams.Add(1)
	defer s.daemon.streams.Add(-1)

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := logging.WithContext(ctx, s.logger).With(logging.String("key", key))
	logger.Debug("watch stream opened")
	defer logger.Debug("watch stream closed")

	heartbeat := time.NewTicker(watchHeartbeat)
	defer heartbeat.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-latest.ready:
			view := latest.take()
			if view == nil {
				continue
			}
			payload, err := json.Marshal(view)
			if err != nil {
				logging.WarnWithContext(logger, "watch view encode failed", "watch_encode_failed", logging.Error(err))
				continue
			}
			seq++
			if _, err := fmt.Fprintf(w, "id: %d\nevent: view\ndata: %s\n\n", seq, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
