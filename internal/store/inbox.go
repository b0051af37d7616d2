package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
)

// SendInbox stores an in-app notification for its recipient.
func (s *Store) SendInbox(ctx context.Context, n pipeline.InboxNotification) error {
	if n.UserID == "" {
		return services.Wrap(services.ErrValidation, "store", "send inbox", "recipient is required", nil)
	}
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx *sql.Tx, changes *[]pipeline.Change) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO inbox (
            id, user_id, kind, title, message, pipeline_id, checkpoint_id, read, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.UserID, n.Kind, nullableString(n.Title), nullableString(n.Message),
			nullableString(n.PipelineID), nullableString(n.CheckpointID), boolToInt(n.Read), formatTime(n.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert inbox notification: %w", err)
		}
		*changes = append(*changes, pipeline.Change{
			Kind:         pipeline.ChangeInbox,
			PipelineID:   n.PipelineID,
			CheckpointID: n.CheckpointID,
			Users:        []string{n.UserID},
		})
		return nil
	})
}

// UnreadInbox returns the user's unread notifications, newest first.
func (s *Store) UnreadInbox(ctx context.Context, userID string, limit int) ([]pipeline.InboxNotification, error) {
	ctx = ensureContext(ctx)
	query := `SELECT id, user_id, kind, title, message, pipeline_id, checkpoint_id, read, created_at
        FROM inbox WHERE user_id = ? AND read = 0 ORDER BY seq DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()
	var out []pipeline.InboxNotification
	for rows.Next() {
		var (
			n          pipeline.InboxNotification
			title      sql.NullString
			message    sql.NullString
			pipelineID sql.NullString
			checkpoint sql.NullString
			read       int
			createdAt  sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &title, &message, &pipelineID, &checkpoint, &read, &createdAt); err != nil {
			return nil, fmt.Errorf("scan inbox: %w", err)
		}
		n.Title = title.String
		n.Message = message.String
		n.PipelineID = pipelineID.String
		n.CheckpointID = checkpoint.String
		n.Read = read != 0
		n.CreatedAt = parseTime(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkInboxRead marks the given notifications of userID as read and returns
// how many changed.
func (s *Store) MarkInboxRead(ctx context.Context, userID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx = ensureContext(ctx)
	var changed int64
	err := s.withTx(ctx, func(tx *sql.Tx, changes *[]pipeline.Change) error {
		args := []any{userID}
		for _, id := range ids {
			args = append(args, id)
		}
		res, err := tx.ExecContext(ctx, `UPDATE inbox SET read = 1
            WHERE user_id = ? AND read = 0 AND id IN (`+makePlaceholders(len(ids))+`)`, args...)
		if err != nil {
			return fmt.Errorf("mark inbox read: %w", err)
		}
		changed, _ = res.RowsAffected()
		if changed > 0 {
			*changes = append(*changes, pipeline.Change{Kind: pipeline.ChangeInbox, Users: []string{userID}})
		}
		return nil
	})
	return int(changed), err
}
