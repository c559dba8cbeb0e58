// Package store implements the Fact Store (Component A): the sole
// persistence layer for profiles, facts, fact versions, episodes, windows,
// and proactive events. It follows the teacher's database package shape —
// a thin *sql.DB wrapper, a Transaction helper, and null-conversion helpers —
// adapted onto the spec's logical schema instead of the teacher's
// conversation/message schema.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/chatmemory/agentcore/internal/apperr"
	"github.com/chatmemory/agentcore/internal/config"
)

// DB holds the database connection pool backing the Fact Store.
type DB struct {
	*sql.DB
}

// New opens a connection pool to the Fact Store's backing Postgres instance,
// retrying the initial ping a few times to ride out container startup races
// exactly as the teacher's NewConnection does.
func New(cfg *config.Config) (*DB, error) {
	if cfg.Database.URL == "" {
		return nil, apperr.New(apperr.ErrConfig, "database URL is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}

	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetMaxIdleConns(cfg.Database.MaxConnections / 2)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	db.SetConnMaxIdleTime(time.Duration(cfg.Database.MaxIdleTime) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if err := db.PingContext(ctx); err != nil {
			lastErr = err
			slog.Warn("fact store connection attempt failed", "attempt", attempt, "error", err)
			if attempt < 3 {
				time.Sleep(2 * time.Second)
				continue
			}
		} else {
			lastErr = nil
			break
		}
	}

	if lastErr != nil {
		db.Close()
		return nil, apperr.Wrap(fmt.Errorf("connect after 3 attempts: %w", lastErr), apperr.ErrStoreUnavailable)
	}

	slog.Info("fact store connected")
	return &DB{db}, nil
}

// Migrate is a placeholder, as it is in the teacher system: schema changes
// are applied via the SQL files under migrations/ during container/image
// build rather than from application code.
func (db *DB) Migrate() error {
	slog.Info("fact store migrations are applied via migrations/ SQL files")
	return nil
}

func (db *DB) Close() error {
	if db.DB != nil {
		return db.DB.Close()
	}
	return nil
}

// Transaction runs fn inside a single transaction, rolling back on error or
// panic. Every Fact mutation goes through this so the fact/version write
// pair in §3's invariants commits atomically.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable)
	}

	return nil
}

func nullStringToString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func stringToNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64ToPtr(ni sql.NullInt64) *int64 {
	if ni.Valid {
		return &ni.Int64
	}
	return nil
}

func ptrToNullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTimeToPtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

func ptrToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
