package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// AppendActivity adds an entry to the project's history.
func (s *Store) AppendActivity(ctx context.Context, activity pipeline.Activity) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx *sql.Tx, changes *[]pipeline.Change) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO activity (
            id, pipeline_id, project_id, kind, stage, checkpoint_id, actor, detail, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			activity.ID, nullableString(activity.PipelineID), nullableString(activity.ProjectID), activity.Kind,
			nullableString(string(activity.Stage)), nullableString(activity.CheckpointID),
			nullableString(activity.Actor), nullableString(activity.Detail), formatTime(activity.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}
		var users []string
		if activity.PipelineID != "" {
			var err error
			users, err = pipelineAudience(ctx, tx, activity.PipelineID)
			if err != nil {
				return err
			}
		}
		*changes = append(*changes, pipeline.Change{
			Kind:         pipeline.ChangeActivity,
			PipelineID:   activity.PipelineID,
			ProjectID:    activity.ProjectID,
			CheckpointID: activity.CheckpointID,
			Users:        users,
		})
		return nil
	})
}

// ProjectHistory returns the project's most recent activity, newest first. A
// limit of zero or less returns everything.
func (s *Store) ProjectHistory(ctx context.Context, projectID string, limit int) ([]pipeline.Activity, error) {
	ctx = ensureContext(ctx)
	query := `SELECT id, pipeline_id, project_id, kind, stage, checkpoint_id, actor, detail, created_at
        FROM activity WHERE project_id = ? ORDER BY seq DESC`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()
	var entries []pipeline.Activity
	for rows.Next() {
		var (
			entry      pipeline.Activity
			pipelineID sql.NullString
			project    sql.NullString
			stageName  sql.NullString
			checkpoint sql.NullString
			actor      sql.NullString
			detail     sql.NullString
			createdAt  sql.NullString
		)
		if err := rows.Scan(&entry.ID, &pipelineID, &project, &entry.Kind, &stageName, &checkpoint,
			&actor, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		entry.PipelineID = pipelineID.String
		entry.ProjectID = project.String
		entry.Stage = stage.Stage(stageName.String)
		entry.CheckpointID = checkpoint.String
		entry.Actor = actor.String
		entry.Detail = detail.String
		entry.CreatedAt = parseTime(createdAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func insertStageHistory(ctx context.Context, tx *sql.Tx, instance pipeline.StageInstance) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO stage_history (
        pipeline_id, project_id, stage, status, started_at, completed_at, duration_ns, reset, recorded_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.PipelineID, instance.ProjectID, string(instance.Stage), string(instance.Status),
		nullableTime(instance.StartedAt), nullableTime(instance.CompletedAt), int64(instance.Duration),
		boolToInt(instance.Reset), formatTime(instance.RecordedAt),
	); err != nil {
		return fmt.Errorf("archive stage %s: %w", instance.Stage, err)
	}
	return nil
}

// StageHistory returns every archived stage instance that started in
// [since, until) plus live in-progress records in the same window. A zero
// bound is open.
func (s *Store) StageHistory(ctx context.Context, since, until time.Time) ([]pipeline.StageInstance, error) {
	ctx = ensureContext(ctx)
	window := ""
	var bounds []any
	if !since.IsZero() {
		window += " AND started_at >= ?"
		bounds = append(bounds, formatTime(since))
	}
	if !until.IsZero() {
		window += " AND started_at < ?"
		bounds = append(bounds, formatTime(until))
	}
	query := `SELECT pipeline_id, project_id, stage, status, started_at, completed_at, duration_ns, reset, recorded_at
        FROM stage_history WHERE 1 = 1` + window + `
        UNION ALL
        SELECT ps.pipeline_id, p.project_id, ps.stage, ps.status, ps.started_at, NULL, 0, 0, p.updated_at
        FROM pipeline_stages ps JOIN pipelines p ON p.id = ps.pipeline_id
        WHERE ps.status = 'in_progress'` + window + `
        ORDER BY started_at`
	args := append(append([]any{}, bounds...), bounds...)
	return s.queryStageInstances(ctx, query, args...)
}

// PipelineStageHistory returns the archived instances of one pipeline in
// recording order.
func (s *Store) PipelineStageHistory(ctx context.Context, pipelineID string) ([]pipeline.StageInstance, error) {
	ctx = ensureContext(ctx)
	return s.queryStageInstances(ctx, `SELECT pipeline_id, project_id, stage, status, started_at, completed_at,
        duration_ns, reset, recorded_at FROM stage_history WHERE pipeline_id = ? ORDER BY seq`, pipelineID)
}

func (s *Store) queryStageInstances(ctx context.Context, query string, args ...any) ([]pipeline.StageInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage history: %w", err)
	}
	defer rows.Close()
	var instances []pipeline.StageInstance
	for rows.Next() {
		var (
			instance    pipeline.StageInstance
			stageName   string
			status      string
			startedAt   sql.NullString
			completedAt sql.NullString
			durationNS  int64
			reset       int
			recordedAt  sql.NullString
		)
		if err := rows.Scan(&instance.PipelineID, &instance.ProjectID, &stageName, &status, &startedAt,
			&completedAt, &durationNS, &reset, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan stage history: %w", err)
		}
		instance.Stage = stage.Stage(stageName)
		instance.Status = pipeline.StageStatus(status)
		instance.StartedAt = parseTimePtr(startedAt)
		instance.CompletedAt = parseTimePtr(completedAt)
		instance.Duration = durationFromNS(durationNS)
		instance.Reset = reset != 0
		instance.RecordedAt = parseTime(recordedAt)
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}
