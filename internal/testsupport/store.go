package testsupport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/config"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewPipeline persists a fresh pipeline for projectID.
func NewPipeline(t testing.TB, st *store.Store, projectID, actor string) *pipeline.Pipeline {
	t.Helper()

	p := pipeline.New(uuid.NewString(), projectID, actor, time.Now())
	if err := st.CreatePipeline(context.Background(), p); err != nil {
		t.Fatalf("store.CreatePipeline: %v", err)
	}
	return p
}
