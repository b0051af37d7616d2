package api

import (
	"encoding/json"
	"time"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/automation"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/metrics"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/tracking"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/workflow"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// FromPipeline converts a pipeline. A nil pipeline yields nil.
func FromPipeline(p *pipeline.Pipeline) *Pipeline {
	if p == nil {
		return nil
	}
	out := &Pipeline{
		ID:           p.ID,
		ProjectID:    p.ProjectID,
		CurrentStage: p.CurrentStage.String(),
		Stages:       make([]StageRecord, 0, len(p.Stages)),
		Metrics: PipelineMetrics{
			CompletedStages: p.Metrics.CompletedStages,
			ProgressPercent: p.Metrics.ProgressPercent,
			ElapsedSeconds:  seconds(p.Metrics.Elapsed),
			Rollbacks:       p.Metrics.Rollbacks,
		},
		NotificationPrefs: NotificationPrefs{
			InApp:      p.NotificationPrefs.InApp,
			Push:       p.NotificationPrefs.Push,
			MutedKinds: p.NotificationPrefs.MutedKinds,
		},
		CreatedBy: p.CreatedBy,
		Version:   p.Version,
		CreatedAt: formatTime(p.CreatedAt),
		UpdatedAt: formatTime(p.UpdatedAt),
	}
	for _, record := range p.Stages {
		out.Stages = append(out.Stages, FromStageRecord(record))
	}
	return out
}

// FromStageRecord converts one stage record.
func FromStageRecord(r pipeline.StageRecord) StageRecord {
	out := StageRecord{
		Stage:           r.Stage.String(),
		Label:           stage.Label(r.Stage),
		Status:          string(r.Status),
		StartedAt:       formatTimePtr(r.StartedAt),
		CompletedAt:     formatTimePtr(r.CompletedAt),
		DurationSeconds: seconds(r.Duration),
		CheckpointID:    r.CheckpointID,
	}
	for _, a := range r.Artifacts {
		out.Artifacts = append(out.Artifacts, FromArtifact(a))
	}
	return out
}

// FromArtifact converts an artifact.
func FromArtifact(a pipeline.Artifact) Artifact {
	return Artifact{
		ID:        a.ID,
		Stage:     a.Stage.String(),
		Type:      string(a.Type),
		URL:       a.URL,
		Payload:   a.Payload,
		CreatedBy: a.CreatedBy,
		CreatedAt: formatTime(a.CreatedAt),
	}
}

// FromCheckpoint converts a checkpoint. A nil checkpoint yields nil.
func FromCheckpoint(cp *pipeline.Checkpoint) *Checkpoint {
	if cp == nil {
		return nil
	}
	out := &Checkpoint{
		ID:                cp.ID,
		PipelineID:        cp.PipelineID,
		Stage:             cp.Stage.String(),
		Status:            string(cp.Status),
		AssignedTo:        append([]string{}, cp.AssignedTo...),
		RequiredApprovals: cp.RequiredApprovals,
		CurrentApprovals:  cp.CurrentApprovals(),
		Approvals:         make([]Approval, 0, len(cp.Approvals)),
		SubmittedBy:       cp.SubmittedBy,
		SubmittedAt:       formatTime(cp.SubmittedAt),
		ResolvedAt:        formatTimePtr(cp.ResolvedAt),
		DueAt:             formatTimePtr(cp.DueAt),
		Notes:             cp.Notes,
		Version:           cp.Version,
	}
	for _, a := range cp.Approvals {
		out.Approvals = append(out.Approvals, Approval{
			Reviewer:  a.Reviewer,
			Decision:  string(a.Decision),
			Feedback:  a.Feedback,
			CreatedAt: formatTime(a.CreatedAt),
		})
	}
	return out
}

func fromCheckpoints(list []*pipeline.Checkpoint) []Checkpoint {
	out := make([]Checkpoint, 0, len(list))
	for _, cp := range list {
		if cp != nil {
			out = append(out, *FromCheckpoint(cp))
		}
	}
	return out
}

// FromAdvance converts an advance result.
func FromAdvance(res workflow.AdvanceResult) *AdvanceResponse {
	out := &AdvanceResponse{
		From:       res.From.String(),
		To:         res.To.String(),
		Checkpoint: FromCheckpoint(res.Checkpoint),
		JobID:      res.Job,
	}
	if p := FromPipeline(res.Pipeline); p != nil {
		out.Pipeline = *p
	}
	if res.DispatchErr != nil {
		out.DispatchError = res.DispatchErr.Error()
	}
	return out
}

// FromStageMetrics converts stage metrics.
func FromStageMetrics(m metrics.StageMetrics) StageMetrics {
	return StageMetrics{
		Stage:                      m.Stage.String(),
		Label:                      stage.Label(m.Stage),
		Instances:                  m.Instances,
		Completed:                  m.Completed,
		AverageDurationSeconds:     seconds(m.AverageDuration),
		CompletionRate:             m.CompletionRate,
		Checkpoints:                m.Checkpoints,
		Rejected:                   m.Rejected,
		RevisionRate:               m.RevisionRate,
		AverageApprovalTimeSeconds: seconds(m.AverageApprovalTime),
		RecurringIssues:            m.RecurringIssues,
	}
}

// FromReport converts a pipeline report.
func FromReport(r metrics.PipelineReport) PipelineReport {
	out := PipelineReport{
		Since:           formatTime(r.Window.Since),
		Until:           formatTime(r.Window.Until),
		Stages:          make([]StageMetrics, 0, len(r.Stages)),
		Bottlenecks:     make([]string, 0, len(r.Bottlenecks)),
		Recommendations: append([]string{}, r.Recommendations...),
		Totals: ReportTotals{
			Pipelines:   r.Totals.Pipelines,
			Published:   r.Totals.Published,
			Instances:   r.Totals.Instances,
			Checkpoints: r.Totals.Checkpoints,
			Rejected:    r.Totals.Rejected,
			Rollbacks:   r.Totals.Rollbacks,
		},
	}
	for _, m := range r.Stages {
		out.Stages = append(out.Stages, FromStageMetrics(m))
	}
	for _, st := range r.Bottlenecks {
		out.Bottlenecks = append(out.Bottlenecks, st.String())
	}
	return out
}

// FromPerformance converts per-stage performance rows.
func FromPerformance(rows []metrics.StagePerformance) []StagePerformance {
	out := make([]StagePerformance, 0, len(rows))
	for _, row := range rows {
		out = append(out, StagePerformance{
			Stage:          row.Stage.String(),
			Label:          row.Label,
			Status:         string(row.Status),
			StartedAt:      formatTimePtr(row.StartedAt),
			CompletedAt:    formatTimePtr(row.CompletedAt),
			ElapsedSeconds: seconds(row.Elapsed),
			Elapsed:        row.Elapsed.Round(time.Second).String(),
			Artifacts:      row.Artifacts,
			CheckpointID:   row.CheckpointID,
		})
	}
	return out
}

// FromRule converts a rule.
func FromRule(r *pipeline.Rule) *Rule {
	if r == nil {
		return nil
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		actions = json.RawMessage("[]")
	}
	out := &Rule{
		ID:         r.ID,
		Name:       r.Name,
		Stage:      r.Stage.String(),
		Conditions: make([]Condition, 0, len(r.Conditions)),
		Actions:    actions,
		Priority:   r.Priority,
		Active:     r.Active,
		Owner:      r.Owner,
		CreatedAt:  formatTime(r.CreatedAt),
	}
	for _, c := range r.Conditions {
		out.Conditions = append(out.Conditions, Condition{Field: c.Field, Operator: string(c.Operator), Value: c.Value})
	}
	return out
}

func fromActionResults(results []automation.ActionResult) []RuleAction {
	out := make([]RuleAction, 0, len(results))
	for _, r := range results {
		item := RuleAction{RuleID: r.RuleID, Action: string(r.Action), Detail: r.Detail}
		if r.Err != nil {
			item.Error = r.Err.Error()
		}
		out = append(out, item)
	}
	return out
}

// FromRuleReport converts an evaluation report.
func FromRuleReport(r automation.Report) *RuleReport {
	return &RuleReport{
		PipelineID: r.PipelineID,
		Stage:      r.Stage.String(),
		Matched:    append([]string{}, r.Matched...),
		Executed:   fromActionResults(r.Executed),
		Failures:   fromActionResults(r.Failures),
	}
}

// FromActivity converts a history entry.
func FromActivity(a pipeline.Activity) Activity {
	return Activity{
		ID:           a.ID,
		PipelineID:   a.PipelineID,
		Kind:         a.Kind,
		Stage:        a.Stage.String(),
		CheckpointID: a.CheckpointID,
		Actor:        a.Actor,
		Detail:       a.Detail,
		CreatedAt:    formatTime(a.CreatedAt),
	}
}

func fromActivities(list []pipeline.Activity) []Activity {
	out := make([]Activity, 0, len(list))
	for _, a := range list {
		out = append(out, FromActivity(a))
	}
	return out
}

// FromJob converts a queued job.
func FromJob(j pipeline.Job) Job {
	return Job{
		ID:         j.ID,
		Type:       j.Type,
		PipelineID: j.PipelineID,
		Stage:      j.Stage.String(),
		Priority:   j.Priority,
		Status:     j.Status,
		Payload:    j.Payload,
		CreatedAt:  formatTime(j.CreatedAt),
	}
}

// FromInbox converts an inbox notification.
func FromInbox(n pipeline.InboxNotification) InboxNotification {
	return InboxNotification{
		ID:           n.ID,
		Kind:         n.Kind,
		Title:        n.Title,
		Message:      n.Message,
		PipelineID:   n.PipelineID,
		CheckpointID: n.CheckpointID,
		Read:         n.Read,
		CreatedAt:    formatTime(n.CreatedAt),
	}
}

func fromInbox(list []pipeline.InboxNotification) []InboxNotification {
	out := make([]InboxNotification, 0, len(list))
	for _, n := range list {
		out = append(out, FromInbox(n))
	}
	return out
}

// FromProjectView converts a live project view.
func FromProjectView(v tracking.ProjectView) ProjectView {
	return ProjectView{
		ProjectID:         v.ProjectID,
		Pipeline:          FromPipeline(v.Pipeline),
		ProgressPercent:   v.ProgressPercent,
		ActiveCheckpoints: fromCheckpoints(v.ActiveCheckpoints),
		RecentActivity:    fromActivities(v.RecentActivity),
	}
}

// FromDashboardView converts a dashboard view.
func FromDashboardView(v tracking.DashboardView) DashboardView {
	out := DashboardView{
		UserID:          v.UserID,
		Pipelines:       make([]PipelineSummary, 0, len(v.Pipelines)),
		PendingReviews:  v.PendingReviews,
		AverageProgress: v.AverageProgress,
		ByStage:         make(map[string]int, len(v.ByStage)),
	}
	for _, s := range v.Pipelines {
		out.Pipelines = append(out.Pipelines, PipelineSummary{
			PipelineID:      s.PipelineID,
			ProjectID:       s.ProjectID,
			CurrentStage:    s.CurrentStage.String(),
			ProgressPercent: s.ProgressPercent,
			UpdatedAt:       formatTime(s.UpdatedAt),
		})
	}
	for st, n := range v.ByStage {
		out.ByStage[st.String()] = n
	}
	return out
}

// FromNotificationsView converts a notifications view.
func FromNotificationsView(v tracking.NotificationsView) NotificationsView {
	out := NotificationsView{
		UserID:         v.UserID,
		PendingReviews: make([]ReviewItem, 0, len(v.PendingReviews)),
		Unread:         fromInbox(v.Unread),
	}
	for _, r := range v.PendingReviews {
		out.PendingReviews = append(out.PendingReviews, ReviewItem{
			CheckpointID: r.CheckpointID,
			PipelineID:   r.PipelineID,
			Stage:        r.Stage.String(),
			SubmittedBy:  r.SubmittedBy,
			DueAt:        formatTimePtr(r.DueAt),
			Overdue:      r.Overdue,
		})
	}
	return out
}

// FromView converts any tracking view by its concrete type. Unknown values
// pass through unchanged.
func FromView(view any) any {
	switch v := view.(type) {
	case tracking.ProjectView:
		return FromProjectView(v)
	case tracking.DashboardView:
		return FromDashboardView(v)
	case tracking.NotificationsView:
		return FromNotificationsView(v)
	default:
		return view
	}
}
