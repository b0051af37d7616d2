package services_test

import (
	"context"
	"testing"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithPipelineID(ctx, "pl-1")
	ctx = services.WithProjectID(ctx, "proj-1")
	ctx = services.WithStage(ctx, "script")
	ctx = services.WithActor(ctx, "alice")
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.PipelineIDFromContext(ctx); !ok || id != "pl-1" {
		t.Fatalf("unexpected pipeline id: %v %v", id, ok)
	}
	if id, ok := services.ProjectIDFromContext(ctx); !ok || id != "proj-1" {
		t.Fatalf("unexpected project id: %v %v", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "script" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if actor, ok := services.ActorFromContext(ctx); !ok || actor != "alice" {
		t.Fatalf("unexpected actor: %v %v", actor, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	if got := services.WithStage(ctx, ""); got != ctx {
		t.Fatal("expected blank stage to return the original context")
	}
	if got := services.WithPipelineID(ctx, ""); got != ctx {
		t.Fatal("expected blank pipeline id to return the original context")
	}
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected no stage in empty context")
	}
}
