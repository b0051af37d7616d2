package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Pipeline is the transport form of a pipeline.
type Pipeline struct {
	ID                string            `json:"id"`
	ProjectID         string            `json:"projectId"`
	CurrentStage      string            `json:"currentStage"`
	Stages            []StageRecord     `json:"stages"`
	Metrics           PipelineMetrics   `json:"metrics"`
	NotificationPrefs NotificationPrefs `json:"notificationPrefs"`
	CreatedBy         string            `json:"createdBy"`
	Version           int64             `json:"version"`
	CreatedAt         string            `json:"createdAt,omitempty"`
	UpdatedAt         string            `json:"updatedAt,omitempty"`
}

// StageRecord is one stage of a pipeline.
type StageRecord struct {
	Stage           string     `json:"stage"`
	Label           string     `json:"label"`
	Status          string     `json:"status"`
	StartedAt       string     `json:"startedAt,omitempty"`
	CompletedAt     string     `json:"completedAt,omitempty"`
	DurationSeconds int64      `json:"durationSeconds"`
	Artifacts       []Artifact `json:"artifacts,omitempty"`
	CheckpointID    string     `json:"checkpointId,omitempty"`
}

// PipelineMetrics is the pipeline's derived snapshot.
type PipelineMetrics struct {
	CompletedStages int     `json:"completedStages"`
	ProgressPercent float64 `json:"progressPercent"`
	ElapsedSeconds  int64   `json:"elapsedSeconds"`
	Rollbacks       int     `json:"rollbacks"`
}

// NotificationPrefs mirrors pipeline.NotificationPrefs.
type NotificationPrefs struct {
	InApp      bool     `json:"inApp"`
	Push       bool     `json:"push"`
	MutedKinds []string `json:"mutedKinds,omitempty"`
}

// Artifact is a stage output.
type Artifact struct {
	ID        string          `json:"id"`
	Stage     string          `json:"stage"`
	Type      string          `json:"type"`
	URL       string          `json:"url,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedBy string          `json:"createdBy,omitempty"`
	CreatedAt string          `json:"createdAt,omitempty"`
}

// Approval is one reviewer decision.
type Approval struct {
	Reviewer  string `json:"reviewer"`
	Decision  string `json:"decision"`
	Feedback  string `json:"feedback,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Checkpoint is the transport form of a checkpoint.
type Checkpoint struct {
	ID                string     `json:"id"`
	PipelineID        string     `json:"pipelineId"`
	Stage             string     `json:"stage"`
	Status            string     `json:"status"`
	AssignedTo        []string   `json:"assignedTo"`
	RequiredApprovals int        `json:"requiredApprovals"`
	CurrentApprovals  int        `json:"currentApprovals"`
	Approvals         []Approval `json:"approvals"`
	SubmittedBy       string     `json:"submittedBy"`
	SubmittedAt       string     `json:"submittedAt,omitempty"`
	ResolvedAt        string     `json:"resolvedAt,omitempty"`
	DueAt             string     `json:"dueAt,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	Version           int64      `json:"version"`
}

// AdvanceResponse reports a stage advance and what it triggered.
type AdvanceResponse struct {
	Pipeline      Pipeline    `json:"pipeline"`
	From          string      `json:"from"`
	To            string      `json:"to"`
	Checkpoint    *Checkpoint `json:"checkpoint,omitempty"`
	JobID         string      `json:"jobId,omitempty"`
	DispatchError string      `json:"dispatchError,omitempty"`
	Rules         *RuleReport `json:"rules,omitempty"`
}

// DecisionResponse reports a recorded decision.
type DecisionResponse struct {
	Checkpoint   Checkpoint       `json:"checkpoint"`
	Advance      *AdvanceResponse `json:"advance,omitempty"`
	AdvanceError string           `json:"advanceError,omitempty"`
}

// BulkFailure is one failed item of a bulk operation.
type BulkFailure struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// BulkResponse separates succeeded ids from failures.
type BulkResponse struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// StageMetrics is the transport form of metrics.StageMetrics.
type StageMetrics struct {
	Stage                      string   `json:"stage"`
	Label                      string   `json:"label"`
	Instances                  int      `json:"instances"`
	Completed                  int      `json:"completed"`
	AverageDurationSeconds     int64    `json:"averageDurationSeconds"`
	CompletionRate             float64  `json:"completionRate"`
	Checkpoints                int      `json:"checkpoints"`
	Rejected                   int      `json:"rejected"`
	RevisionRate               float64  `json:"revisionRate"`
	AverageApprovalTimeSeconds int64    `json:"averageApprovalTimeSeconds"`
	RecurringIssues            []string `json:"recurringIssues,omitempty"`
}

// ReportTotals aggregates a report window.
type ReportTotals struct {
	Pipelines   int `json:"pipelines"`
	Published   int `json:"published"`
	Instances   int `json:"instances"`
	Checkpoints int `json:"checkpoints"`
	Rejected    int `json:"rejected"`
	Rollbacks   int `json:"rollbacks"`
}

// PipelineReport is the window-wide report.
type PipelineReport struct {
	Since           string         `json:"since"`
	Until           string         `json:"until"`
	Stages          []StageMetrics `json:"stages"`
	Bottlenecks     []string       `json:"bottlenecks"`
	Recommendations []string       `json:"recommendations"`
	Totals          ReportTotals   `json:"totals"`
}

// StagePerformance is one stage of a project's pipeline.
type StagePerformance struct {
	Stage          string `json:"stage"`
	Label          string `json:"label"`
	Status         string `json:"status"`
	StartedAt      string `json:"startedAt,omitempty"`
	CompletedAt    string `json:"completedAt,omitempty"`
	ElapsedSeconds int64  `json:"elapsedSeconds"`
	Elapsed        string `json:"elapsed"`
	Artifacts      int    `json:"artifacts"`
	CheckpointID   string `json:"checkpointId,omitempty"`
}

// Condition is a rule clause.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// Rule is the transport form of an automation rule. Actions use the same
// tagged layout the rule model serializes to.
type Rule struct {
	ID         string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	Stage      string          `json:"stage"`
	Conditions []Condition     `json:"conditions"`
	Actions    json.RawMessage `json:"actions"`
	Priority   int             `json:"priority"`
	Active     bool            `json:"active"`
	Owner      string          `json:"owner"`
	CreatedAt  string          `json:"createdAt,omitempty"`
}

// RuleAction is one executed or failed rule action.
type RuleAction struct {
	RuleID string `json:"ruleId,omitempty"`
	Action string `json:"action,omitempty"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RuleReport summarizes an evaluation.
type RuleReport struct {
	PipelineID string       `json:"pipelineId"`
	Stage      string       `json:"stage"`
	Matched    []string     `json:"matched"`
	Executed   []RuleAction `json:"executed"`
	Failures   []RuleAction `json:"failures"`
}

// Activity is one project history entry.
type Activity struct {
	ID           string `json:"id"`
	PipelineID   string `json:"pipelineId"`
	Kind         string `json:"kind"`
	Stage        string `json:"stage,omitempty"`
	CheckpointID string `json:"checkpointId,omitempty"`
	Actor        string `json:"actor,omitempty"`
	Detail       string `json:"detail,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

// Job is a queued generation job.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	PipelineID string          `json:"pipelineId,omitempty"`
	Stage      string          `json:"stage,omitempty"`
	Priority   int             `json:"priority"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  string          `json:"createdAt"`
}

// InboxNotification is an in-app notification.
type InboxNotification struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Title        string `json:"title"`
	Message      string `json:"message"`
	PipelineID   string `json:"pipelineId,omitempty"`
	CheckpointID string `json:"checkpointId,omitempty"`
	Read         bool   `json:"read"`
	CreatedAt    string `json:"createdAt"`
}

// ProjectView is the live view of one project.
type ProjectView struct {
	ProjectID         string       `json:"projectId"`
	Pipeline          *Pipeline    `json:"pipeline"`
	ProgressPercent   float64      `json:"progressPercent"`
	ActiveCheckpoints []Checkpoint `json:"activeCheckpoints"`
	RecentActivity    []Activity   `json:"recentActivity"`
}

// PipelineSummary is one dashboard row.
type PipelineSummary struct {
	PipelineID      string  `json:"pipelineId"`
	ProjectID       string  `json:"projectId"`
	CurrentStage    string  `json:"currentStage"`
	ProgressPercent float64 `json:"progressPercent"`
	UpdatedAt       string  `json:"updatedAt,omitempty"`
}

// DashboardView aggregates a user's pipelines.
type DashboardView struct {
	UserID          string            `json:"userId"`
	Pipelines       []PipelineSummary `json:"pipelines"`
	PendingReviews  int               `json:"pendingReviews"`
	AverageProgress float64           `json:"averageProgress"`
	ByStage         map[string]int    `json:"byStage"`
}

// ReviewItem is a checkpoint awaiting the user.
type ReviewItem struct {
	CheckpointID string `json:"checkpointId"`
	PipelineID   string `json:"pipelineId"`
	Stage        string `json:"stage"`
	SubmittedBy  string `json:"submittedBy"`
	DueAt        string `json:"dueAt,omitempty"`
	Overdue      bool   `json:"overdue"`
}

// NotificationsView lists what needs a user's attention.
type NotificationsView struct {
	UserID         string              `json:"userId"`
	PendingReviews []ReviewItem        `json:"pendingReviews"`
	Unread         []InboxNotification `json:"unread"`
}

// ErrorResponse is the JSON body of failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// CheckResult is one preflight check.
type CheckResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Optional bool   `json:"optional,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// DaemonStatus describes the running daemon.
type DaemonStatus struct {
	Running       bool          `json:"running"`
	PID           int           `json:"pid"`
	Address       string        `json:"address,omitempty"`
	DatabasePath  string        `json:"databasePath"`
	LockFilePath  string        `json:"lockFilePath"`
	StartedAt     string        `json:"startedAt,omitempty"`
	UptimeSeconds int64         `json:"uptimeSeconds"`
	Subscriptions int           `json:"subscriptions"`
	Checks        []CheckResult `json:"checks"`
}

// DecisionRequest carries a reviewer decision.
type DecisionRequest struct {
	Actor    string `json:"actor"`
	Feedback string `json:"feedback,omitempty"`
}

// BulkApproveRequest approves several checkpoints as one reviewer.
type BulkApproveRequest struct {
	IDs   []string `json:"ids"`
	Actor string   `json:"actor"`
}

// CreatePipelineRequest starts a pipeline.
type CreatePipelineRequest struct {
	ProjectID string `json:"projectId"`
	Actor     string `json:"actor"`
}

// AdvanceRequest moves a pipeline forward.
type AdvanceRequest struct {
	Actor string `json:"actor"`
}

// RollbackRequest moves a pipeline back. An empty Target means the previous
// stage.
type RollbackRequest struct {
	Target string `json:"target,omitempty"`
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// EvaluateRequest runs rules with extra condition fields.
type EvaluateRequest struct {
	Stage   string         `json:"stage,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// MarkReadRequest marks inbox entries read.
type MarkReadRequest struct {
	IDs []string `json:"ids"`
}

// MarkReadResponse reports how many entries changed.
type MarkReadResponse struct {
	Changed int `json:"changed"`
}
