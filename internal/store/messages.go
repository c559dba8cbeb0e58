package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/chatmemory/agentcore/internal/apperr"
	"github.com/chatmemory/agentcore/internal/models"
)

// CreateMessage persists a Message. Re-ingesting the same id is a no-op, per
// the idempotence property in the testable-properties section: the insert
// uses ON CONFLICT DO NOTHING keyed on id.
func (db *DB) CreateMessage(ctx context.Context, m *models.Message) error {
	query := `
		INSERT INTO messages (id, chat_id, thread_id, user_id, author_name, text, media, reply_to_message_id, ts, retention_flag, is_from_self)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := db.ExecContext(ctx, query,
		m.ID, m.ChatID, ptrToNullInt64(m.ThreadID), m.UserID, m.AuthorName, m.Text,
		pq.Array(m.Media), ptrToNullInt64(m.ReplyToMessageID), m.Timestamp, m.RetentionFlag, m.IsFromSelf)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	return nil
}

// SetMessageEmbedding records the embedding produced by the Embedding Cache
// for a message, satisfying the invariant that a Message's embedding is
// populated iff a cache entry exists for it.
func (db *DB) SetMessageEmbedding(ctx context.Context, messageID int64, embedding []float32) error {
	_, err := db.ExecContext(ctx, `UPDATE messages SET embedding = $2 WHERE id = $1`, messageID, pq.Array(embedding))
	if err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	return nil
}

func (db *DB) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, chat_id, thread_id, user_id, author_name, text, media, reply_to_message_id, ts, embedding, retention_flag, is_from_self
		FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

// GetRecentMessages returns the most recent n messages for a (chat, thread)
// in chronological order, backing the Context Assembler's Recent tier and
// the emergency fallback.
func (db *DB) GetRecentMessages(ctx context.Context, chatID int64, threadID *int64, n int) ([]models.Message, error) {
	query := `
		SELECT id, chat_id, thread_id, user_id, author_name, text, media, reply_to_message_id, ts, embedding, retention_flag, is_from_self
		FROM messages
		WHERE chat_id = $1 AND thread_id IS NOT DISTINCT FROM $2
		ORDER BY ts DESC, id DESC
		LIMIT $3
	`
	rows, err := db.QueryContext(ctx, query, chatID, ptrToNullInt64(threadID), n)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SearchMessagesFullText backs the keyword-search half of the Retrieved tier
// hybrid search, using Postgres' built-in text search on Message.text.
func (db *DB) SearchMessagesFullText(ctx context.Context, chatID int64, query string, limit int) ([]models.Message, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return nil, nil
	}
	tsQuery := strings.Join(terms, " | ")

	rows, err := db.QueryContext(ctx, `
		SELECT id, chat_id, thread_id, user_id, author_name, text, media, reply_to_message_id, ts, embedding, retention_flag, is_from_self
		FROM messages
		WHERE chat_id = $1 AND to_tsvector('simple', text) @@ to_tsquery('simple', $2)
		ORDER BY ts DESC
		LIMIT $3
	`, chatID, tsQuery, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SearchMessagesByEmbedding is the logical NN-search access pattern required
// by §4.A, implemented here as an in-process cosine-similarity scan over a
// candidate window fetched by recency; a real deployment would push this
// down to a vector index, but the logical contract (ordered by similarity,
// scoped to (chat_id)) is what callers depend on.
func (db *DB) SearchMessagesByEmbedding(ctx context.Context, chatID int64, vector []float32, candidatePoolSize, limit int) ([]models.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, chat_id, thread_id, user_id, author_name, text, media, reply_to_message_id, ts, embedding, retention_flag, is_from_self
		FROM messages
		WHERE chat_id = $1 AND embedding IS NOT NULL
		ORDER BY ts DESC
		LIMIT $2
	`, chatID, candidatePoolSize)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	defer rows.Close()

	candidates, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	return topKBySimilarity(candidates, vector, limit), nil
}

func scanMessage(row *sql.Row) (*models.Message, error) {
	var m models.Message
	var threadID, replyTo sql.NullInt64
	var embedding pq.Float32Array
	err := row.Scan(&m.ID, &m.ChatID, &threadID, &m.UserID, &m.AuthorName, &m.Text,
		pq.Array(&m.Media), &replyTo, &m.Timestamp, &embedding, &m.RetentionFlag, &m.IsFromSelf)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.ErrNotFound, "message not found")
		}
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	m.ThreadID = nullInt64ToPtr(threadID)
	m.ReplyToMessageID = nullInt64ToPtr(replyTo)
	m.Embedding = []float32(embedding)
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var threadID, replyTo sql.NullInt64
		var embedding pq.Float32Array
		if err := rows.Scan(&m.ID, &m.ChatID, &threadID, &m.UserID, &m.AuthorName, &m.Text,
			pq.Array(&m.Media), &replyTo, &m.Timestamp, &embedding, &m.RetentionFlag, &m.IsFromSelf); err != nil {
			return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
		}
		m.ThreadID = nullInt64ToPtr(threadID)
		m.ReplyToMessageID = nullInt64ToPtr(replyTo)
		m.Embedding = []float32(embedding)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	return msgs, nil
}

// PruneExpiredMessages deletes messages older than RETENTION_DAYS unless
// retention_flag is set, per §6's RETENTION_DAYS option.
func (db *DB) PruneExpiredMessages(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM messages WHERE ts < $1 AND retention_flag = false`, olderThan)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
