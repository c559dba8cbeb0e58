package store

import (
	"context"
	"database/sql"
	"sort"

	"github.com/lib/pq"

	"github.com/chatmemory/agentcore/internal/apperr"
	"github.com/chatmemory/agentcore/internal/models"
)

// GetActiveFacts returns every active Fact for a (user, chat), read by
// SearchFactsByEmbedding and the fact-recall tool in cmd/agent/tools.go. The
// Fact Quality Manager's inputs come from the (type, key)-scoped lookups
// below instead.
func (db *DB) GetActiveFacts(ctx context.Context, userID, chatID int64) ([]models.Fact, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, chat_id, type, key, value_canonical, confidence, is_active,
			evidence_message_id, source, embedding, created_at, last_reinforced_at, last_decayed_at
		FROM facts
		WHERE user_id = $1 AND chat_id = $2 AND is_active = true
	`, userID, chatID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// GetActiveFactsByTypeKey scopes the active-fact lookup to a (type, key)
// pair, used by the Fact Quality Manager to load only the existing facts a
// given candidate batch can actually dedup or conflict against.
func (db *DB) GetActiveFactsByTypeKey(ctx context.Context, userID, chatID int64, factType, key string) ([]models.Fact, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, chat_id, type, key, value_canonical, confidence, is_active,
			evidence_message_id, source, embedding, created_at, last_reinforced_at, last_decayed_at
		FROM facts
		WHERE user_id = $1 AND chat_id = $2 AND type = $3 AND key = $4 AND is_active = true
	`, userID, chatID, factType, key)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// GetInactiveFactsByTypeKey returns previously-deactivated facts for a
// (type, key) pair, most recently deactivated first, so the Fact Quality
// Manager can reactivate one when a new candidate matches it again
// (§4.G.4's correction transition).
func (db *DB) GetInactiveFactsByTypeKey(ctx context.Context, userID, chatID int64, factType, key string) ([]models.Fact, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, chat_id, type, key, value_canonical, confidence, is_active,
			evidence_message_id, source, embedding, created_at, last_reinforced_at, last_decayed_at
		FROM facts
		WHERE user_id = $1 AND chat_id = $2 AND type = $3 AND key = $4 AND is_active = false
		ORDER BY last_decayed_at DESC
	`, userID, chatID, factType, key)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// FactWrite is one fact mutation plus the version row recording it, applied
// atomically inside CommitFactBatch. Fact is a pointer so that a chain of
// writes against the same not-yet-persisted fact (e.g. a creation followed
// by one or more in-batch merge reinforcements) can share the row id that
// upsertFactTx assigns on the first insert: every write in the chain passes
// the same *models.Fact, so later writes see the id the earlier one got
// back from the database.
type FactWrite struct {
	Fact    *models.Fact
	Version models.FactVersion
}

// CommitFactBatch persists an entire quality-managed batch inside a single
// transaction: each write upserts its fact row and appends its version row,
// in order. Per the invariant in §3, a failure here rejects the whole batch
// and the error is returned to the caller; the batch is not requeued.
func (db *DB) CommitFactBatch(ctx context.Context, writes []FactWrite) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		for i := range writes {
			w := &writes[i]
			if err := upsertFactTx(ctx, tx, w.Fact); err != nil {
				return err
			}
			w.Version.FactID = w.Fact.ID
			if err := appendFactVersionTx(ctx, tx, &w.Version); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertFactTx(ctx context.Context, tx *sql.Tx, f *models.Fact) error {
	if f.ID == 0 {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO facts (user_id, chat_id, type, key, value_canonical, confidence, is_active,
				evidence_message_id, source, embedding, created_at, last_reinforced_at, last_decayed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW(),NOW())
			RETURNING id, created_at, last_reinforced_at, last_decayed_at
		`, f.UserID, f.ChatID, f.Type, f.Key, f.ValueCanonical, f.Confidence, f.IsActive,
			ptrToNullInt64(f.EvidenceMessageID), f.Source, pq.Array(f.Embedding))
		if err := row.Scan(&f.ID, &f.CreatedAt, &f.LastReinforcedAt, &f.LastDecayedAt); err != nil {
			return apperr.Wrap(err, apperr.ErrStoreUnavailable)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE facts SET
			value_canonical = $2, confidence = $3, is_active = $4, embedding = $5,
			last_reinforced_at = NOW(), last_decayed_at = NOW()
		WHERE id = $1
	`, f.ID, f.ValueCanonical, f.Confidence, f.IsActive, pq.Array(f.Embedding))
	if err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	return nil
}

func appendFactVersionTx(ctx context.Context, tx *sql.Tx, v *models.FactVersion) error {
	var nextVersion int
	row := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_number), 0) + 1 FROM fact_versions WHERE fact_id = $1 FOR UPDATE
	`, v.FactID)
	if err := row.Scan(&nextVersion); err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	v.VersionNumber = nextVersion

	_, err := tx.ExecContext(ctx, `
		INSERT INTO fact_versions (fact_id, version_number, change_type, old_value, new_value,
			old_confidence, new_confidence, delta_confidence, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
	`, v.FactID, v.VersionNumber, v.ChangeType, v.OldValue, v.NewValue,
		v.OldConfidence, v.NewConfidence, v.DeltaConfidence, v.Reason)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	return nil
}

// GetFactVersions returns the append-only version history for a fact,
// ordered oldest-first, used by the delta_confidence invariant check.
func (db *DB) GetFactVersions(ctx context.Context, factID int64) ([]models.FactVersion, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, fact_id, version_number, change_type, old_value, new_value,
			old_confidence, new_confidence, delta_confidence, reason, created_at
		FROM fact_versions WHERE fact_id = $1 ORDER BY version_number ASC
	`, factID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}
	defer rows.Close()

	var versions []models.FactVersion
	for rows.Next() {
		var v models.FactVersion
		var oldValue, reason sql.NullString
		var oldConfidence sql.NullFloat64
		if err := rows.Scan(&v.ID, &v.FactID, &v.VersionNumber, &v.ChangeType, &oldValue, &v.NewValue,
			&oldConfidence, &v.NewConfidence, &v.DeltaConfidence, &reason, &v.CreatedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
		}
		if oldValue.Valid {
			v.OldValue = &oldValue.String
		}
		if oldConfidence.Valid {
			v.OldConfidence = &oldConfidence.Float64
		}
		v.Reason = nullStringToString(reason)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// SearchFactsByEmbedding backs the NN-search access pattern over facts in
// §4.A, scoped to (user_id, chat_id).
func (db *DB) SearchFactsByEmbedding(ctx context.Context, userID, chatID int64, vector []float32, limit int) ([]models.Fact, error) {
	active, err := db.GetActiveFacts(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	type scored struct {
		fact  models.Fact
		score float64
	}
	var scoredFacts []scored
	for _, f := range active {
		if len(f.Embedding) == 0 {
			continue
		}
		scoredFacts = append(scoredFacts, scored{fact: f, score: CosineSimilarity(f.Embedding, vector)})
	}
	sort.Slice(scoredFacts, func(i, j int) bool { return scoredFacts[i].score > scoredFacts[j].score })
	if limit > len(scoredFacts) {
		limit = len(scoredFacts)
	}
	out := make([]models.Fact, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, scoredFacts[i].fact)
	}
	return out, nil
}

func scanFacts(rows *sql.Rows) ([]models.Fact, error) {
	var facts []models.Fact
	for rows.Next() {
		var f models.Fact
		var evidence sql.NullInt64
		var embedding pq.Float32Array
		if err := rows.Scan(&f.ID, &f.UserID, &f.ChatID, &f.Type, &f.Key, &f.ValueCanonical, &f.Confidence,
			&f.IsActive, &evidence, &f.Source, &embedding, &f.CreatedAt, &f.LastReinforcedAt, &f.LastDecayedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
		}
		f.EvidenceMessageID = nullInt64ToPtr(evidence)
		f.Embedding = []float32(embedding)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}
