package store

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/chatmemory/agentcore/internal/apperr"
	"github.com/chatmemory/agentcore/internal/models"
)

// UpsertProfile creates a Profile on first-seen user or bumps last_seen and
// interaction_count otherwise. Profiles are never deleted here — only
// deactivated by an out-of-scope admin action, per the ownership note in §3.
func (db *DB) UpsertProfile(ctx context.Context, userID, chatID int64, displayName string) (*models.Profile, error) {
	row := db.QueryRowContext(ctx, `
		INSERT INTO profiles (user_id, chat_id, display_name, first_seen, last_seen, interaction_count)
		VALUES ($1, $2, $3, NOW(), NOW(), 1)
		ON CONFLICT (user_id, chat_id) DO UPDATE
			SET last_seen = NOW(), interaction_count = profiles.interaction_count + 1
		RETURNING user_id, chat_id, display_name, aliases, first_seen, last_seen, interaction_count,
			summary_text, summary_version, summary_updated_at
	`, userID, chatID, displayName)
	return scanProfile(row)
}

func (db *DB) GetProfile(ctx context.Context, userID, chatID int64) (*models.Profile, error) {
	row := db.QueryRowContext(ctx, `
		SELECT user_id, chat_id, display_name, aliases, first_seen, last_seen, interaction_count,
			summary_text, summary_version, summary_updated_at
		FROM profiles WHERE user_id = $1 AND chat_id = $2
	`, userID, chatID)
	return scanProfile(row)
}

// GetProfiles loads profiles for a set of participants, used by the Fact
// Extractor which needs every window participant's profile.
func (db *DB) GetProfiles(ctx context.Context, chatID int64, userIDs []int64) ([]models.Profile, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, chat_id, display_name, aliases, first_seen, last_seen, interaction_count,
			summary_text, summary_version, summary_updated_at
		FROM profiles WHERE chat_id = $1 AND user_id = ANY($2)
	`, chatID, pq.Array(userIDs))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		p, err := scanProfileRow(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

// UpdateProfileSummary writes the synthesized human-readable summary used by
// the Context Assembler's system-prefix fragment.
func (db *DB) UpdateProfileSummary(ctx context.Context, userID, chatID int64, summary string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE profiles
		SET summary_text = $3, summary_version = summary_version + 1, summary_updated_at = NOW()
		WHERE user_id = $1 AND chat_id = $2
	`, userID, chatID, summary)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row *sql.Row) (*models.Profile, error) {
	return scanProfileRow(row)
}

func scanProfileRow(row rowScanner) (*models.Profile, error) {
	var p models.Profile
	var summary sql.NullString
	err := row.Scan(&p.UserID, &p.ChatID, &p.DisplayName, pq.Array(&p.Aliases),
		&p.FirstSeen, &p.LastSeen, &p.InteractionCount, &summary, &p.SummaryVersion, &p.SummaryUpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.ErrNotFound, "profile not found")
		}
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	p.SummaryText = nullStringToString(summary)
	return &p, nil
}
