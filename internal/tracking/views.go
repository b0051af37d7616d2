package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// ProjectView is the live state of one project's pipeline.
type ProjectView struct {
	ProjectID         string                 `json:"projectId"`
	Pipeline          *pipeline.Pipeline     `json:"pipeline"`
	ProgressPercent   float64                `json:"progressPercent"`
	ActiveCheckpoints []*pipeline.Checkpoint `json:"activeCheckpoints"`
	RecentActivity    []pipeline.Activity    `json:"recentActivity"`
}

// PipelineSummary is one row of a dashboard.
type PipelineSummary struct {
	PipelineID      string      `json:"pipelineId"`
	ProjectID       string      `json:"projectId"`
	CurrentStage    stage.Stage `json:"currentStage"`
	ProgressPercent float64     `json:"progressPercent"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// DashboardView aggregates every pipeline a user created or reviews.
type DashboardView struct {
	UserID          string              `json:"userId"`
	Pipelines       []PipelineSummary   `json:"pipelines"`
	PendingReviews  int                 `json:"pendingReviews"`
	AverageProgress float64             `json:"averageProgress"`
	ByStage         map[stage.Stage]int `json:"byStage"`
}

// ReviewItem is a checkpoint waiting on the user.
type ReviewItem struct {
	CheckpointID string      `json:"checkpointId"`
	PipelineID   string      `json:"pipelineId"`
	Stage        stage.Stage `json:"stage"`
	SubmittedBy  string      `json:"submittedBy"`
	DueAt        *time.Time  `json:"dueAt,omitempty"`
	Overdue      bool        `json:"overdue"`
}

// NotificationsView lists what needs the user's attention.
type NotificationsView struct {
	UserID         string                       `json:"userId"`
	PendingReviews []ReviewItem                 `json:"pendingReviews"`
	Unread         []pipeline.InboxNotification `json:"unread"`
}

// Source is the store surface the hub reads from and listens to.
type Source interface {
	SubscribeByProject(projectID string, fn func(pipeline.Change)) func()
	SubscribeByFilter(filter pipeline.ChangeFilter, fn func(pipeline.Change)) func()
	LoadPipelineByProject(ctx context.Context, projectID string) (*pipeline.Pipeline, error)
	ListCheckpointsByPipeline(ctx context.Context, pipelineID string) ([]*pipeline.Checkpoint, error)
	ProjectHistory(ctx context.Context, projectID string, limit int) ([]pipeline.Activity, error)
	ListPipelinesForUser(ctx context.Context, user string) ([]*pipeline.Pipeline, error)
	ListCheckpointsForReviewer(ctx context.Context, user string, status pipeline.CheckpointStatus) ([]*pipeline.Checkpoint, error)
	UnreadInbox(ctx context.Context, user string, limit int) ([]pipeline.InboxNotification, error)
}

func (h *Hub) projectView(ctx context.Context, projectID string) (ProjectView, error) {
	view := ProjectView{ProjectID: projectID}
	p, err := h.source.LoadPipelineByProject(ctx, projectID)
	if err != nil {
		return view, fmt.Errorf("load pipeline: %w", err)
	}
	if p == nil {
		return view, nil
	}
	view.Pipeline = p
	view.ProgressPercent = p.ProgressPercent()

	checkpoints, err := h.source.ListCheckpointsByPipeline(ctx, p.ID)
	if err != nil {
		return view, fmt.Errorf("load checkpoints: %w", err)
	}
	for _, cp := range checkpoints {
		if cp.Status == pipeline.CheckpointPending {
			view.ActiveCheckpoints = append(view.ActiveCheckpoints, cp)
		}
	}
	view.RecentActivity, err = h.source.ProjectHistory(ctx, projectID, h.activityLimit)
	if err != nil {
		return view, fmt.Errorf("load activity: %w", err)
	}
	return view, nil
}

func (h *Hub) dashboardView(ctx context.Context, userID string) (DashboardView, error) {
	view := DashboardView{UserID: userID, ByStage: make(map[stage.Stage]int)}
	pipelines, err := h.source.ListPipelinesForUser(ctx, userID)
	if err != nil {
		return view, fmt.Errorf("load pipelines: %w", err)
	}
	total := 0.0
	for _, p := range pipelines {
		progress := p.ProgressPercent()
		view.Pipelines = append(view.Pipelines, PipelineSummary{
			PipelineID:      p.ID,
			ProjectID:       p.ProjectID,
			CurrentStage:    p.CurrentStage,
			ProgressPercent: progress,
			UpdatedAt:       p.UpdatedAt,
		})
		view.ByStage[p.CurrentStage]++
		total += progress
	}
	if len(pipelines) > 0 {
		view.AverageProgress = total / float64(len(pipelines))
	}
	reviews, err := h.pendingReviews(ctx, userID)
	if err != nil {
		return view, err
	}
	view.PendingReviews = len(reviews)
	return view, nil
}

func (h *Hub) notificationsView(ctx context.Context, userID string) (NotificationsView, error) {
	view := NotificationsView{UserID: userID}
	reviews, err := h.pendingReviews(ctx, userID)
	if err != nil {
		return view, err
	}
	view.PendingReviews = reviews
	view.Unread, err = h.source.UnreadInbox(ctx, userID, h.activityLimit)
	if err != nil {
		return view, fmt.Errorf("load inbox: %w", err)
	}
	return view, nil
}

func (h *Hub) pendingReviews(ctx context.Context, userID string) ([]ReviewItem, error) {
	checkpoints, err := h.source.ListCheckpointsForReviewer(ctx, userID, pipeline.CheckpointPending)
	if err != nil {
		return nil, fmt.Errorf("load reviews: %w", err)
	}
	now := h.now()
	var items []ReviewItem
	for _, cp := range checkpoints {
		if cp.HasDecided(userID) {
			continue
		}
		items = append(items, ReviewItem{
			CheckpointID: cp.ID,
			PipelineID:   cp.PipelineID,
			Stage:        cp.Stage,
			SubmittedBy:  cp.SubmittedBy,
			DueAt:        cp.DueAt,
			Overdue:      cp.Overdue(now),
		})
	}
	return items, nil
}
