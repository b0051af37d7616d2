package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

const checkpointColumns = `id, pipeline_id, stage, status, required_approvals, submitted_by,
    submitted_at, resolved_at, due_at, notes, version`

// CreateCheckpoint persists cp with its reviewers and links it to the
// pipeline's stage record in the same transaction.
func (s *Store) CreateCheckpoint(ctx context.Context, cp *pipeline.Checkpoint) error {
	if cp == nil {
		return services.Wrap(services.ErrValidation, "store", "create checkpoint", "checkpoint is nil", nil)
	}
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx *sql.Tx, changes *[]pipeline.Change) error {
		projectID, err := projectForPipeline(ctx, tx, cp.PipelineID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO checkpoints (`+checkpointColumns+`)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, cp.PipelineID, string(cp.Stage), string(cp.Status), cp.RequiredApprovals,
			cp.SubmittedBy, formatTime(cp.SubmittedAt), nullableTime(cp.ResolvedAt),
			nullableTime(cp.DueAt), nullableString(cp.Notes), cp.Version,
		); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		if err := replaceReviewers(ctx, tx, cp.ID, cp.AssignedTo); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE pipeline_stages SET checkpoint_id = ?
            WHERE pipeline_id = ? AND stage = ?`, cp.ID, cp.PipelineID, string(cp.Stage)); err != nil {
			return fmt.Errorf("link checkpoint: %w", err)
		}
		users, err := pipelineAudience(ctx, tx, cp.PipelineID)
		if err != nil {
			return err
		}
		*changes = append(*changes, pipeline.Change{
			Kind:         pipeline.ChangeCheckpoint,
			PipelineID:   cp.PipelineID,
			ProjectID:    projectID,
			CheckpointID: cp.ID,
			Users:        users,
		})
		return nil
	})
}

// LoadCheckpoint returns the checkpoint with its reviewers and approvals, or
// nil when none exists.
func (s *Store) LoadCheckpoint(ctx context.Context, id string) (*pipeline.Checkpoint, error) {
	ctx = ensureContext(ctx)
	return loadCheckpoint(ctx, s.db, id)
}

func loadCheckpoint(ctx context.Context, q queryer, id string) (*pipeline.Checkpoint, error) {
	row := q.QueryRowContext(ctx, "SELECT "+checkpointColumns+" FROM checkpoints WHERE id = ?", id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := hydrateCheckpoint(ctx, q, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// ListCheckpointsByPipeline returns the pipeline's checkpoints oldest first.
func (s *Store) ListCheckpointsByPipeline(ctx context.Context, pipelineID string) ([]*pipeline.Checkpoint, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, "SELECT "+checkpointColumns+` FROM checkpoints
        WHERE pipeline_id = ? ORDER BY submitted_at, id`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return s.collectCheckpoints(ctx, rows)
}

// ListCheckpointsForReviewer returns checkpoints assigned to user. An empty
// status matches every status. Pending checkpoints that no longer gate their
// stage, because a rollback cleared the link or a newer checkpoint replaced
// it, are left out.
func (s *Store) ListCheckpointsForReviewer(ctx context.Context, user string, status pipeline.CheckpointStatus) ([]*pipeline.Checkpoint, error) {
	ctx = ensureContext(ctx)
	query := "SELECT " + checkpointColumns + ` FROM checkpoints
        WHERE id IN (SELECT checkpoint_id FROM checkpoint_reviewers WHERE reviewer = ?)`
	args := []any{user}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	if status == pipeline.CheckpointPending {
		query += " AND id IN (SELECT checkpoint_id FROM pipeline_stages WHERE checkpoint_id IS NOT NULL)"
	}
	query += " ORDER BY submitted_at, id"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviewer checkpoints: %w", err)
	}
	return s.collectCheckpoints(ctx, rows)
}

// CheckpointsBetween returns checkpoints submitted in [since, until). A zero
// bound is open.
func (s *Store) CheckpointsBetween(ctx context.Context, since, until time.Time) ([]*pipeline.Checkpoint, error) {
	ctx = ensureContext(ctx)
	query := "SELECT " + checkpointColumns + " FROM checkpoints WHERE 1 = 1"
	var args []any
	if !since.IsZero() {
		query += " AND submitted_at >= ?"
		args = append(args, formatTime(since))
	}
	if !until.IsZero() {
		query += " AND submitted_at < ?"
		args = append(args, formatTime(until))
	}
	query += " ORDER BY submitted_at, id"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	return s.collectCheckpoints(ctx, rows)
}

func (s *Store) collectCheckpoints(ctx context.Context, rows *sql.Rows) ([]*pipeline.Checkpoint, error) {
	var checkpoints []*pipeline.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, cp := range checkpoints {
		if err := hydrateCheckpoint(ctx, s.db, cp); err != nil {
			return nil, err
		}
	}
	return checkpoints, nil
}

// SaveCheckpoint applies patch when the stored version still equals
// patch.ExpectedVersion. A second decision by the same reviewer is rejected
// with services.ErrDuplicateDecision even if it raced past planning.
func (s *Store) SaveCheckpoint(ctx context.Context, id string, patch pipeline.CheckpointPatch) (*pipeline.Checkpoint, error) {
	ctx = ensureContext(ctx)
	var saved *pipeline.Checkpoint
	err := s.withTx(ctx, func(tx *sql.Tx, changes *[]pipeline.Change) error {
		var err error
		saved, err = applyCheckpointPatch(ctx, tx, changes, id, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// UpdateCheckpoint loads the checkpoint, plans a patch from it and applies
// the patch in one transaction. Updates to a checkpoint are serialized on the
// store's single connection, so the planner always sees the latest decisions.
// plan must not call back into the store.
func (s *Store) UpdateCheckpoint(ctx context.Context, id string, plan pipeline.CheckpointPlanner) (*pipeline.Checkpoint, error) {
	ctx = ensureContext(ctx)
	var saved *pipeline.Checkpoint
	err := s.withTx(ctx, func(tx *sql.Tx, changes *[]pipeline.Change) error {
		cp, err := loadCheckpoint(ctx, tx, id)
		if err != nil {
			return err
		}
		if cp == nil {
			return services.Wrap(services.ErrNotFound, "store", "update checkpoint", "checkpoint "+id+" not found", nil)
		}
		var linked sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT checkpoint_id FROM pipeline_stages
            WHERE pipeline_id = ? AND stage = ?`, cp.PipelineID, string(cp.Stage)).Scan(&linked)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup checkpoint link: %w", err)
		}
		patch, err := plan(cp, linked.String == cp.ID)
		if err != nil {
			return err
		}
		patch.ExpectedVersion = cp.Version
		saved, err = applyCheckpointPatch(ctx, tx, changes, id, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func applyCheckpointPatch(ctx context.Context, tx *sql.Tx, changes *[]pipeline.Change, id string, patch pipeline.CheckpointPatch) (*pipeline.Checkpoint, error) {
	query := `UPDATE checkpoints SET version = version + 1`
	var args []any
	if patch.Status != "" {
		query += ", status = ?"
		args = append(args, string(patch.Status))
	}
	if patch.ResolvedAt != nil {
		query += ", resolved_at = ?"
		args = append(args, nullableTime(patch.ResolvedAt))
	}
	if patch.DueAt != nil {
		query += ", due_at = ?"
		args = append(args, nullableTime(patch.DueAt))
	}
	if patch.Notes != nil {
		query += ", notes = ?"
		args = append(args, nullableString(*patch.Notes))
	}
	query += " WHERE id = ? AND version = ?"
	args = append(args, id, patch.ExpectedVersion)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update checkpoint: %w", err)
	}
	if err := expectOneRow(ctx, tx, res, "checkpoints", id, "checkpoint"); err != nil {
		return nil, err
	}
	if approval := patch.Approval; approval != nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO approvals (checkpoint_id, reviewer, decision, feedback, created_at)
            VALUES (?, ?, ?, ?, ?)`,
			id, approval.Reviewer, string(approval.Decision), nullableString(approval.Feedback),
			formatTime(approval.CreatedAt),
		); err != nil {
			if isUniqueViolation(err) {
				return nil, services.Wrap(services.ErrDuplicateDecision, "store", "save checkpoint",
					approval.Reviewer+" already decided on checkpoint "+id, services.ErrInvalidTransition)
			}
			return nil, fmt.Errorf("insert approval: %w", err)
		}
	}
	if patch.AssignedTo != nil {
		if err := replaceReviewers(ctx, tx, id, patch.AssignedTo); err != nil {
			return nil, err
		}
	}
	saved, err := loadCheckpoint(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	projectID, err := projectForPipeline(ctx, tx, saved.PipelineID)
	if err != nil {
		return nil, err
	}
	users, err := pipelineAudience(ctx, tx, saved.PipelineID)
	if err != nil {
		return nil, err
	}
	*changes = append(*changes, pipeline.Change{
		Kind:         pipeline.ChangeCheckpoint,
		PipelineID:   saved.PipelineID,
		ProjectID:    projectID,
		CheckpointID: id,
		Users:        users,
	})
	return saved, nil
}

func scanCheckpoint(row rowScanner) (*pipeline.Checkpoint, error) {
	var (
		cp          pipeline.Checkpoint
		stageName   string
		status      string
		submittedAt sql.NullString
		resolvedAt  sql.NullString
		dueAt       sql.NullString
		notes       sql.NullString
	)
	if err := row.Scan(&cp.ID, &cp.PipelineID, &stageName, &status, &cp.RequiredApprovals,
		&cp.SubmittedBy, &submittedAt, &resolvedAt, &dueAt, &notes, &cp.Version); err != nil {
		return nil, err
	}
	cp.Stage = stage.Stage(stageName)
	cp.Status = pipeline.CheckpointStatus(status)
	cp.SubmittedAt = parseTime(submittedAt)
	cp.ResolvedAt = parseTimePtr(resolvedAt)
	cp.DueAt = parseTimePtr(dueAt)
	cp.Notes = notes.String
	return &cp, nil
}

func hydrateCheckpoint(ctx context.Context, q queryer, cp *pipeline.Checkpoint) error {
	rows, err := q.QueryContext(ctx, `SELECT reviewer FROM checkpoint_reviewers
        WHERE checkpoint_id = ? ORDER BY position`, cp.ID)
	if err != nil {
		return fmt.Errorf("query reviewers: %w", err)
	}
	cp.AssignedTo = nil
	for rows.Next() {
		var reviewer string
		if err := rows.Scan(&reviewer); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan reviewer: %w", err)
		}
		cp.AssignedTo = append(cp.AssignedTo, reviewer)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	rows, err = q.QueryContext(ctx, `SELECT reviewer, decision, feedback, created_at FROM approvals
        WHERE checkpoint_id = ? ORDER BY seq`, cp.ID)
	if err != nil {
		return fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()
	cp.Approvals = nil
	for rows.Next() {
		var (
			approval  pipeline.Approval
			decision  string
			feedback  sql.NullString
			createdAt sql.NullString
		)
		if err := rows.Scan(&approval.Reviewer, &decision, &feedback, &createdAt); err != nil {
			return fmt.Errorf("scan approval: %w", err)
		}
		approval.Decision = pipeline.Decision(decision)
		approval.Feedback = feedback.String
		approval.CreatedAt = parseTime(createdAt)
		cp.Approvals = append(cp.Approvals, approval)
	}
	return rows.Err()
}

func replaceReviewers(ctx context.Context, tx *sql.Tx, checkpointID string, reviewers []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoint_reviewers WHERE checkpoint_id = ?", checkpointID); err != nil {
		return fmt.Errorf("clear reviewers: %w", err)
	}
	for position, reviewer := range reviewers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO checkpoint_reviewers (checkpoint_id, reviewer, position)
            VALUES (?, ?, ?)`, checkpointID, reviewer, position); err != nil {
			return fmt.Errorf("insert reviewer %s: %w", reviewer, err)
		}
	}
	return nil
}

func projectForPipeline(ctx context.Context, q queryer, pipelineID string) (string, error) {
	var projectID string
	err := q.QueryRowContext(ctx, "SELECT project_id FROM pipelines WHERE id = ?", pipelineID).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", services.Wrap(services.ErrNotFound, "store", "lookup pipeline", "pipeline "+pipelineID+" not found", nil)
	}
	if err != nil {
		return "", fmt.Errorf("lookup pipeline: %w", err)
	}
	return projectID, nil
}
