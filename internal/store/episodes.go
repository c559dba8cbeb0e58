package store

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/chatmemory/agentcore/internal/apperr"
	"github.com/chatmemory/agentcore/internal/models"
)

// CreateEpisode persists a finalized Episode from the Episode Monitor.
func (db *DB) CreateEpisode(ctx context.Context, e *models.Episode) error {
	row := db.QueryRowContext(ctx, `
		INSERT INTO episodes (chat_id, thread_id, topic, summary, message_ids, participants,
			importance, emotional_valence, tags, created_at, last_accessed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())
		RETURNING id, created_at, last_accessed_at
	`, e.ChatID, ptrToNullInt64(e.ThreadID), e.Topic, e.Summary, pq.Array(e.MessageIDs),
		pq.Array(e.Participants), e.Importance, e.EmotionalValence, pq.Array(e.Tags))
	if err := row.Scan(&e.ID, &e.CreatedAt, &e.LastAccessedAt); err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	return nil
}

// GetRecentEpisodes returns up to limit Episodes for a chat ordered by
// last_accessed_at descending, feeding the Context Assembler's Episodic tier.
func (db *DB) GetRecentEpisodes(ctx context.Context, chatID int64, limit int) ([]models.Episode, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, chat_id, thread_id, topic, summary, message_ids, participants,
			importance, emotional_valence, tags, created_at, last_accessed_at
		FROM episodes WHERE chat_id = $1
		ORDER BY last_accessed_at DESC
		LIMIT $2
	`, chatID, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	defer rows.Close()

	var episodes []models.Episode
	for rows.Next() {
		e, err := scanEpisodeRow(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, *e)
	}
	return episodes, rows.Err()
}

// TouchEpisode bumps last_accessed_at when the Context Assembler reads it.
func (db *DB) TouchEpisode(ctx context.Context, episodeID int64) error {
	_, err := db.ExecContext(ctx, `UPDATE episodes SET last_accessed_at = NOW() WHERE id = $1`, episodeID)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	return nil
}

func scanEpisodeRow(rows *sql.Rows) (*models.Episode, error) {
	var e models.Episode
	var threadID sql.NullInt64
	if err := rows.Scan(&e.ID, &e.ChatID, &threadID, &e.Topic, &e.Summary, pq.Array(&e.MessageIDs),
		pq.Array(&e.Participants), &e.Importance, &e.EmotionalValence, pq.Array(&e.Tags),
		&e.CreatedAt, &e.LastAccessedAt); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	e.ThreadID = nullInt64ToPtr(threadID)
	return &e, nil
}
