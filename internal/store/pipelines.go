package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// CreatePipeline persists p with all of its stage records. A second pipeline
// for the same project is rejected with services.ErrConflict.
func (s *Store) CreatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	if p == nil {
		return services.Wrap(services.ErrValidation, "store", "create pipeline", "pipeline is nil", nil)
	}
	ctx = ensureContext(ctx)
	prefs, err := json.Marshal(p.NotificationPrefs)
	if err != nil {
		return fmt.Errorf("encode notification prefs: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx, changes *[]pipeline.Change) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO pipelines (
            id, project_id, current_stage, created_by, notification_prefs_json,
            rollbacks, version, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.ProjectID, string(p.CurrentStage), p.CreatedBy, string(prefs),
			p.Metrics.Rollbacks, p.Version, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return services.Wrap(services.ErrConflict, "store", "create pipeline",
					"project "+p.ProjectID+" already has a pipeline", nil)
			}
			return fmt.Errorf("insert pipeline: %w", err)
		}
		for position, record := range p.Stages {
			if _, err := tx.ExecContext(ctx, `INSERT INTO pipeline_stages (
                pipeline_id, stage, position, status, started_at, completed_at, duration_ns, checkpoint_id
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				p.ID, string(record.Stage), position, string(record.Status),
				nullableTime(record.StartedAt), nullableTime(record.CompletedAt),
				int64(record.Duration), nullableString(record.CheckpointID),
			); err != nil {
				return fmt.Errorf("insert stage %s: %w", record.Stage, err)
			}
		}
		*changes = append(*changes, pipeline.Change{
			Kind:       pipeline.ChangePipeline,
			PipelineID: p.ID,
			ProjectID:  p.ProjectID,
			Users:      []string{p.CreatedBy},
		})
		return nil
	})
}

// LoadPipeline returns the pipeline with the given id, or nil when none
// exists.
func (s *Store) LoadPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	return s.loadPipelineWhere(ensureContext(ctx), s.db, "id = ?", id)
}

// LoadPipelineByProject returns the project's pipeline, or nil when none
// exists.
func (s *Store) LoadPipelineByProject(ctx context.Context, projectID string) (*pipeline.Pipeline, error) {
	return s.loadPipelineWhere(ensureContext(ctx), s.db, "project_id = ?", projectID)
}

const pipelineColumns = `id, project_id, current_stage, created_by, notification_prefs_json,
    rollbacks, version, created_at, updated_at`

func (s *Store) loadPipelineWhere(ctx context.Context, q queryer, where string, arg any) (*pipeline.Pipeline, error) {
	row := q.QueryRowContext(ctx, "SELECT "+pipelineColumns+" FROM pipelines WHERE "+where, arg)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.hydratePipeline(ctx, q, p); err != nil {
		return nil, err
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row rowScanner) (*pipeline.Pipeline, error) {
	var (
		p         pipeline.Pipeline
		current   string
		prefsJSON sql.NullString
		createdAt sql.NullString
		updatedAt sql.NullString
	)
	if err := row.Scan(&p.ID, &p.ProjectID, &current, &p.CreatedBy, &prefsJSON,
		&p.Metrics.Rollbacks, &p.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.CurrentStage = stage.Stage(current)
	p.NotificationPrefs = pipeline.DefaultNotificationPrefs()
	if prefsJSON.Valid && prefsJSON.String != "" {
		if err := json.Unmarshal([]byte(prefsJSON.String), &p.NotificationPrefs); err != nil {
			return nil, fmt.Errorf("decode notification prefs for %s: %w", p.ID, err)
		}
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func (s *Store) hydratePipeline(ctx context.Context, q queryer, p *pipeline.Pipeline) error {
	rows, err := q.QueryContext(ctx, `SELECT stage, status, started_at, completed_at, duration_ns, checkpoint_id
        FROM pipeline_stages WHERE pipeline_id = ? ORDER BY position`, p.ID)
	if err != nil {
		return fmt.Errorf("query stages: %w", err)
	}
	records := make([]pipeline.StageRecord, 0, stage.Count())
	for rows.Next() {
		var (
			record      pipeline.StageRecord
			name        string
			status      string
			startedAt   sql.NullString
			completedAt sql.NullString
			durationNS  int64
			checkpoint  sql.NullString
		)
		if err := rows.Scan(&name, &status, &startedAt, &completedAt, &durationNS, &checkpoint); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan stage: %w", err)
		}
		record.Stage = stage.Stage(name)
		record.Status = pipeline.StageStatus(status)
		record.StartedAt = parseTimePtr(startedAt)
		record.CompletedAt = parseTimePtr(completedAt)
		record.Duration = durationFromNS(durationNS)
		record.CheckpointID = checkpoint.String
		records = append(records, record)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	p.Stages = records

	artifacts, err := s.listArtifacts(ctx, q, p.ID)
	if err != nil {
		return err
	}
	for _, artifact := range artifacts {
		if record := p.Record(artifact.Stage); record != nil {
			record.Artifacts = append(record.Artifacts, artifact)
		}
	}
	p.RefreshMetrics(s.now())
	return nil
}

// SavePipeline applies patch when the stored version still equals
// patch.ExpectedVersion and returns the updated pipeline. A patch gate is
// checked in the same transaction.
func (s *Store) SavePipeline(ctx context.Context, id string, patch pipeline.PipelinePatch) (*pipeline.Pipeline, error) {
	ctx = ensureContext(ctx)
	var saved *pipeline.Pipeline
	err := s.withTx(ctx, func(tx *sql.Tx, changes *[]pipeline.Change) error {
		now := s.now().UTC()
		rollbacks := 0
		if patch.Rollback {
			rollbacks = 1
		}
		res, err := tx.ExecContext(ctx, `UPDATE pipelines
            SET current_stage = ?, rollbacks = rollbacks + ?, version = version + 1, updated_at = ?
            WHERE id = ? AND version = ?`,
			string(patch.CurrentStage), rollbacks, formatTime(now), id, patch.ExpectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update pipeline: %w", err)
		}
		if err := expectOneRow(ctx, tx, res, "pipelines", id, "pipeline"); err != nil {
			return err
		}
		if patch.Gate != nil {
			if err := checkStageGate(ctx, tx, id, *patch.Gate); err != nil {
				return err
			}
		}
		for _, update := range patch.Stages {
			query := `UPDATE pipeline_stages
                SET status = ?, started_at = ?, completed_at = ?, duration_ns = ?
                WHERE pipeline_id = ? AND stage = ?`
			if update.ClearCheckpoint {
				query = `UPDATE pipeline_stages
                SET status = ?, started_at = ?, completed_at = ?, duration_ns = ?, checkpoint_id = NULL
                WHERE pipeline_id = ? AND stage = ?`
			}
			if _, err := tx.ExecContext(ctx, query,
				string(update.Status), nullableTime(update.StartedAt), nullableTime(update.CompletedAt),
				int64(update.Duration), id, string(update.Stage),
			); err != nil {
				return fmt.Errorf("update stage %s: %w", update.Stage, err)
			}
		}
		for _, instance := range patch.Archive {
			if err := insertStageHistory(ctx, tx, instance); err != nil {
				return err
			}
		}
		saved, err = s.loadPipelineWhere(ctx, tx, "id = ?", id)
		if err != nil {
			return err
		}
		users, err := pipelineAudience(ctx, tx, id)
		if err != nil {
			return err
		}
		*changes = append(*changes, pipeline.Change{
			Kind:       pipeline.ChangePipeline,
			PipelineID: id,
			ProjectID:  saved.ProjectID,
			Users:      users,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// SetNotificationPrefs replaces the pipeline's notification preferences.
func (s *Store) SetNotificationPrefs(ctx context.Context, id string, prefs pipeline.NotificationPrefs) error {
	ctx = ensureContext(ctx)
	encoded, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode notification prefs: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx, _ *[]pipeline.Change) error {
		res, err := tx.ExecContext(ctx, `UPDATE pipelines SET notification_prefs_json = ?, updated_at = ? WHERE id = ?`,
			string(encoded), formatTime(s.now()), id)
		if err != nil {
			return fmt.Errorf("update notification prefs: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return services.Wrap(services.ErrNotFound, "store", "set notification prefs", "pipeline "+id+" not found", nil)
		}
		return nil
	})
}

// ListPipelinesForUser returns pipelines the user created or reviews, most
// recently updated first.
func (s *Store) ListPipelinesForUser(ctx context.Context, user string) ([]*pipeline.Pipeline, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines
        WHERE created_by = ? OR id IN (
            SELECT c.pipeline_id FROM checkpoints c
            JOIN checkpoint_reviewers r ON r.checkpoint_id = c.id
            WHERE r.reviewer = ?
        )
        ORDER BY updated_at DESC, id`, user, user)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	return s.collectPipelines(ctx, rows)
}

// ListPipelines returns every pipeline, most recently updated first.
func (s *Store) ListPipelines(ctx context.Context) ([]*pipeline.Pipeline, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	return s.collectPipelines(ctx, rows)
}

func (s *Store) collectPipelines(ctx context.Context, rows *sql.Rows) ([]*pipeline.Pipeline, error) {
	var pipelines []*pipeline.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, p := range pipelines {
		if err := s.hydratePipeline(ctx, s.db, p); err != nil {
			return nil, err
		}
	}
	return pipelines, nil
}

// AppendArtifact adds an artifact to a stage record. Artifacts never bump the
// pipeline version: they are append-only and cannot conflict.
func (s *Store) AppendArtifact(ctx context.Context, artifact pipeline.Artifact) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx *sql.Tx, changes *[]pipeline.Change) error {
		projectID, err := projectForPipeline(ctx, tx, artifact.PipelineID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO artifacts (
            id, pipeline_id, stage, type, url, payload, created_by, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			artifact.ID, artifact.PipelineID, string(artifact.Stage), string(artifact.Type),
			nullableString(artifact.URL), nullableJSON(artifact.Payload), nullableString(artifact.CreatedBy),
			formatTime(artifact.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		users, err := pipelineAudience(ctx, tx, artifact.PipelineID)
		if err != nil {
			return err
		}
		*changes = append(*changes, pipeline.Change{
			Kind:       pipeline.ChangeArtifact,
			PipelineID: artifact.PipelineID,
			ProjectID:  projectID,
			Users:      users,
		})
		return nil
	})
}

func (s *Store) listArtifacts(ctx context.Context, q queryer, pipelineID string) ([]pipeline.Artifact, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, pipeline_id, stage, type, url, payload, created_by, created_at
        FROM artifacts WHERE pipeline_id = ? ORDER BY seq`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()
	var artifacts []pipeline.Artifact
	for rows.Next() {
		var (
			a         pipeline.Artifact
			stageName string
			kind      string
			url       sql.NullString
			payload   sql.NullString
			createdBy sql.NullString
			createdAt sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.PipelineID, &stageName, &kind, &url, &payload, &createdBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Stage = stage.Stage(stageName)
		a.Type = pipeline.ArtifactType(kind)
		a.URL = url.String
		if payload.Valid && payload.String != "" {
			a.Payload = json.RawMessage(payload.String)
		}
		a.CreatedBy = createdBy.String
		a.CreatedAt = parseTime(createdAt)
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// expectOneRow turns a zero-row compare-and-swap update into ErrNotFound when
// the record is gone and ErrConflict when its version moved.
func expectOneRow(ctx context.Context, tx *sql.Tx, res sql.Result, table, id, noun string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM "+table+" WHERE id = ?", id).Scan(&exists); err != nil {
		return fmt.Errorf("check %s existence: %w", noun, err)
	}
	if exists == 0 {
		return services.Wrap(services.ErrNotFound, "store", "save "+noun, noun+" "+id+" not found", nil)
	}
	return services.Wrap(services.ErrConflict, "store", "save "+noun, noun+" "+id+" was modified concurrently", nil)
}

// pipelineAudience lists the users a pipeline change concerns: its creator
// and every reviewer ever assigned to one of its checkpoints.
func pipelineAudience(ctx context.Context, q queryer, pipelineID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT created_by FROM pipelines WHERE id = ?
        UNION
        SELECT r.reviewer FROM checkpoint_reviewers r
        JOIN checkpoints c ON c.id = r.checkpoint_id
        WHERE c.pipeline_id = ?`, pipelineID, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("query audience: %w", err)
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("scan audience: %w", err)
		}
		if user = strings.TrimSpace(user); user != "" {
			users = append(users, user)
		}
	}
	return users, rows.Err()
}

func checkStageGate(ctx context.Context, tx *sql.Tx, pipelineID string, gate pipeline.StageGate) error {
	var linked, status sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT s.checkpoint_id, c.status FROM pipeline_stages s
        LEFT JOIN checkpoints c ON c.id = s.checkpoint_id
        WHERE s.pipeline_id = ? AND s.stage = ?`, pipelineID, string(gate.Stage)).Scan(&linked, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return services.Wrap(services.ErrValidation, "store", "save pipeline",
			"missing stage record for "+string(gate.Stage), nil)
	}
	if err != nil {
		return fmt.Errorf("check stage gate: %w", err)
	}
	if linked.String != gate.CheckpointID {
		return services.Wrap(services.ErrInvalidTransition, "store", "save pipeline",
			fmt.Sprintf("stage %s is gated by a different checkpoint now", gate.Stage), nil)
	}
	if gate.RefuseRejected && pipeline.CheckpointStatus(status.String) == pipeline.CheckpointRejected {
		return services.Wrap(services.ErrInvalidTransition, "store", "save pipeline",
			fmt.Sprintf("stage %s is blocked by rejected checkpoint %s; roll back or open a new checkpoint",
				gate.Stage, linked.String), nil)
	}
	return nil
}
