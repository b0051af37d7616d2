package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// Enqueue records a queued job for the external runner and returns its id.
func (s *Store) Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts pipeline.JobOptions) (string, error) {
	ctx = ensureContext(ctx)
	id := uuid.NewString()
	err := s.withTx(ctx, func(tx *sql.Tx, _ *[]pipeline.Change) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO jobs (id, type, pipeline_id, stage, payload, priority, status, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, jobType, nullableString(opts.PipelineID), nullableString(string(opts.Stage)),
			nullableJSON(payload), opts.Priority, pipeline.JobQueued, formatTime(s.now()),
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListJobs returns jobs, optionally filtered by status, highest priority
// first.
func (s *Store) ListJobs(ctx context.Context, status string) ([]pipeline.Job, error) {
	ctx = ensureContext(ctx)
	query := `SELECT id, type, pipeline_id, stage, payload, priority, status, created_at FROM jobs`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY priority DESC, created_at, id"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var jobs []pipeline.Job
	for rows.Next() {
		var (
			job        pipeline.Job
			pipelineID sql.NullString
			stageName  sql.NullString
			payload    sql.NullString
			createdAt  sql.NullString
		)
		if err := rows.Scan(&job.ID, &job.Type, &pipelineID, &stageName, &payload, &job.Priority, &job.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.PipelineID = pipelineID.String
		job.Stage = stage.Stage(stageName.String)
		if payload.Valid && payload.String != "" {
			job.Payload = json.RawMessage(payload.String)
		}
		job.CreatedAt = parseTime(createdAt)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
