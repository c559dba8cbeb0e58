package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/chatmemory/agentcore/internal/apperr"
	"github.com/chatmemory/agentcore/internal/models"
)

// CreateProactiveEvent writes a Proactive Trigger decision. The SEND-decision
// serialization guarantee in §5 is implemented by reading the latest
// created_at for the chat inside the same transaction as the insert.
func (db *DB) CreateProactiveEvent(ctx context.Context, e *models.ProactiveEvent) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		if e.Decision == models.DecisionSend {
			var lastSent sql.NullTime
			row := tx.QueryRowContext(ctx, `
				SELECT MAX(created_at) FROM proactive_events
				WHERE chat_id = $1 AND decision = 'SEND'
				FOR UPDATE
			`, e.ChatID)
			if err := row.Scan(&lastSent); err != nil && err != sql.ErrNoRows {
				return apperr.Wrap(err, apperr.ErrStoreUnavailable)
			}
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO proactive_events (chat_id, window_id, intent_type, intent_confidence,
				adjusted_confidence, decision, block_reason, response_message_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
			RETURNING id, created_at
		`, e.ChatID, e.WindowID, e.IntentType, e.IntentConfidence, e.AdjustedConfidence,
			e.Decision, stringToNullString(e.BlockReason), ptrToNullInt64(e.ResponseMessageID))
		return row.Scan(&e.ID, &e.CreatedAt)
	})
}

// GetLastSentProactiveEvent returns the most recent SENT event for a chat,
// or nil if none exists, backing the global-cooldown check.
func (db *DB) GetLastSentProactiveEvent(ctx context.Context, chatID int64) (*models.ProactiveEvent, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, chat_id, window_id, intent_type, intent_confidence, adjusted_confidence,
			decision, block_reason, response_message_id, created_at
		FROM proactive_events
		WHERE chat_id = $1 AND decision = 'SEND'
		ORDER BY created_at DESC LIMIT 1
	`, chatID)
	e, err := scanProactiveEvent(row)
	if err != nil {
		if ae, ok := apperr.As(err); ok && ae.Code == apperr.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// GetUserProactiveEvents returns the proactive event history for reasoning
// about per-user/per-intent cooldowns and the preference multiplier.
func (db *DB) GetUserProactiveEvents(ctx context.Context, chatID int64, since time.Time, limit int) ([]models.ProactiveEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, chat_id, window_id, intent_type, intent_confidence, adjusted_confidence,
			decision, block_reason, response_message_id, created_at
		FROM proactive_events
		WHERE chat_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, chatID, since, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	defer rows.Close()

	var events []models.ProactiveEvent
	for rows.Next() {
		e, err := scanProactiveEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// CountSentSince counts SEND decisions for a chat since the given time, used
// for the hourly/daily rate limits.
func (db *DB) CountSentSince(ctx context.Context, chatID int64, since time.Time) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM proactive_events WHERE chat_id = $1 AND decision = 'SEND' AND created_at >= $2
	`, chatID, since).Scan(&count)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	return count, nil
}

// RecordReaction records a user's reaction to a sent proactive event,
// asynchronously observed per §4.K.
func (db *DB) RecordReaction(ctx context.Context, eventID int64, reaction models.Reaction, delayMs int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE proactive_events SET user_reaction = $2, reaction_delay_ms = $3 WHERE id = $1
	`, eventID, reaction, delayMs)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	return nil
}

func scanProactiveEvent(row *sql.Row) (*models.ProactiveEvent, error) {
	var e models.ProactiveEvent
	var blockReason sql.NullString
	var responseMsg sql.NullInt64
	err := row.Scan(&e.ID, &e.ChatID, &e.WindowID, &e.IntentType, &e.IntentConfidence, &e.AdjustedConfidence,
		&e.Decision, &blockReason, &responseMsg, &e.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.ErrNotFound, "proactive event not found")
		}
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	e.BlockReason = nullStringToString(blockReason)
	e.ResponseMessageID = nullInt64ToPtr(responseMsg)
	return &e, nil
}

func scanProactiveEventRow(rows *sql.Rows) (*models.ProactiveEvent, error) {
	var e models.ProactiveEvent
	var blockReason sql.NullString
	var responseMsg sql.NullInt64
	err := rows.Scan(&e.ID, &e.ChatID, &e.WindowID, &e.IntentType, &e.IntentConfidence, &e.AdjustedConfidence,
		&e.Decision, &blockReason, &responseMsg, &e.CreatedAt)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	e.BlockReason = nullStringToString(blockReason)
	e.ResponseMessageID = nullInt64ToPtr(responseMsg)
	return &e, nil
}
