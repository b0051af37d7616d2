package store

import (
	"sync"
	"sync/atomic"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
)

type subscriber struct {
	filter pipeline.ChangeFilter
	fn     func(pipeline.Change)
}

// feed fans committed changes out to in-process subscribers. Callbacks run
// synchronously on the writer's goroutine after its transaction committed.
type feed struct {
	mu     sync.RWMutex
	nextID int64
	seq    atomic.Int64
	subs   map[int64]subscriber
}

func newFeed() *feed {
	return &feed{subs: make(map[int64]subscriber)}
}

func (f *feed) subscribe(filter pipeline.ChangeFilter, fn func(pipeline.Change)) func() {
	if fn == nil {
		return func() {}
	}
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs[id] = subscriber{filter: filter, fn: fn}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

func (f *feed) publish(change pipeline.Change) {
	change.Seq = f.seq.Add(1)
	f.mu.RLock()
	targets := make([]subscriber, 0, len(f.subs))
	for _, sub := range f.subs {
		if sub.filter.Matches(change) {
			targets = append(targets, sub)
		}
	}
	f.mu.RUnlock()
	for _, sub := range targets {
		sub.fn(change)
	}
}

// SubscribeByProject registers fn for every change touching projectID. The
// returned cancel function is idempotent.
func (s *Store) SubscribeByProject(projectID string, fn func(pipeline.Change)) func() {
	return s.feed.subscribe(pipeline.ChangeFilter{ProjectID: projectID}, fn)
}

// SubscribeByFilter registers fn for every change matching filter.
func (s *Store) SubscribeByFilter(filter pipeline.ChangeFilter, fn func(pipeline.Change)) func() {
	return s.feed.subscribe(filter, fn)
}
