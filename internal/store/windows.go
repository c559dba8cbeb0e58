package store

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/chatmemory/agentcore/internal/apperr"
	"github.com/chatmemory/agentcore/internal/models"
)

// PersistClosedWindow writes a Window the Conversation Windower has just
// closed. Ownership transfers from the Windower to the Event Queue at this
// point, per §3's lifecycle note.
func (db *DB) PersistClosedWindow(ctx context.Context, w *models.Window) error {
	row := db.QueryRowContext(ctx, `
		INSERT INTO windows (chat_id, thread_id, first_message_id, last_message_id, message_count,
			participants, opened_at, closed_at, closure_reason, dominant_value, processed, skipped)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id
	`, w.ChatID, ptrToNullInt64(w.ThreadID), w.FirstMessageID, w.LastMessageID, w.MessageCount,
		pq.Array(w.Participants), w.OpenedAt, ptrToNullTime(w.ClosedAt), w.ClosureReason, w.DominantValue,
		w.Processed, w.Skipped)
	if err := row.Scan(&w.ID); err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	return nil
}

// MarkWindowProcessed transitions a Window from CLOSED to PROCESSED.
func (db *DB) MarkWindowProcessed(ctx context.Context, windowID int64) error {
	_, err := db.ExecContext(ctx, `UPDATE windows SET processed = true WHERE id = $1`, windowID)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	return nil
}

// MarkWindowSkipped records admission-control backpressure: the window was
// dropped rather than enqueued, per §5's backpressure policy.
func (db *DB) MarkWindowSkipped(ctx context.Context, windowID int64) error {
	_, err := db.ExecContext(ctx, `UPDATE windows SET skipped = true, processed = false WHERE id = $1`, windowID)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	return nil
}

// MarkWindowFailedPermanently records two consecutive processing failures.
func (db *DB) MarkWindowFailedPermanently(ctx context.Context, windowID int64) error {
	_, err := db.ExecContext(ctx, `UPDATE windows SET failed_permanently = true WHERE id = $1`, windowID)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	return nil
}

func (db *DB) GetWindow(ctx context.Context, id int64) (*models.Window, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, chat_id, thread_id, first_message_id, last_message_id, message_count,
			participants, opened_at, closed_at, closure_reason, dominant_value, processed, skipped, failed_permanently
		FROM windows WHERE id = $1
	`, id)
	return scanWindow(row)
}

func scanWindow(row *sql.Row) (*models.Window, error) {
	var w models.Window
	var threadID sql.NullInt64
	var closedAt sql.NullTime
	err := row.Scan(&w.ID, &w.ChatID, &threadID, &w.FirstMessageID, &w.LastMessageID, &w.MessageCount,
		pq.Array(&w.Participants), &w.OpenedAt, &closedAt, &w.ClosureReason, &w.DominantValue,
		&w.Processed, &w.Skipped, &w.FailedPermanently)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.ErrNotFound, "window not found")
		}
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	w.ThreadID = nullInt64ToPtr(threadID)
	w.ClosedAt = nullTimeToPtr(closedAt)
	return &w, nil
}
