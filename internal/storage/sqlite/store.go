// Package sqlite provides the SQLite-backed analysis store.
package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/chartsense/chartsense/pkg/errors"
	"github.com/chartsense/chartsense/pkg/retry"
	"github.com/chartsense/chartsense/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS analysis_entries (
	key        TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	instrument TEXT NOT NULL,
	timeframe  TEXT NOT NULL DEFAULT '',
	payload    BLOB,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_type_instrument ON analysis_entries(type, instrument);
CREATE INDEX IF NOT EXISTS idx_analysis_expires_at ON analysis_entries(expires_at);
`

// Store implements types.AnalysisStore over a local SQLite database.
type Store struct {
	db    *sql.DB
	retry *retry.Retryer
	now   func() time.Time
}

// classifyLocked marks SQLITE_BUSY and SQLITE_LOCKED as retryable: the
// single in-process connection never sees them, but another process
// holding the file lock does surface them.
func classifyLocked(err error) error {
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) &&
		(sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return errors.Wrap(errors.ErrCodeStorageWrite, "database locked", err).
			WithComponent("sqlite").WithRetryable(true)
	}
	return err
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStorageWrite, "create database directory", err).
				WithComponent("sqlite")
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConnectionFailed, "open database", err).
			WithComponent("sqlite").WithContext("path", path)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(errors.ErrCodeConnectionFailed, "ping database", err).
			WithComponent("sqlite").WithContext("path", path)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(errors.ErrCodeStorageWrite, "apply schema", err).
			WithComponent("sqlite")
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent tier access.
	db.SetMaxOpenConns(1)

	return &Store{
		db: db,
		retry: retry.New(retry.Config{
			MaxAttempts:  3,
			InitialDelay: 25 * time.Millisecond,
			MaxDelay:     250 * time.Millisecond,
			Multiplier:   2.0,
			Jitter:       true,
			Classify:     classifyLocked,
		}),
		now: time.Now,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// FindByKey returns the entry for a key, or nil when absent.
func (s *Store) FindByKey(ctx context.Context, key string) (*types.AnalysisEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, type, instrument, timeframe, payload, created_at, expires_at
		 FROM analysis_entries WHERE key = ?`, key)

	var entry types.AnalysisEntry
	err := row.Scan(&entry.Key, &entry.Type, &entry.Instrument, &entry.Timeframe,
		&entry.Payload, &entry.CreatedAt, &entry.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "find by key", err).
			WithComponent("sqlite").WithContext("key", key)
	}
	return &entry, nil
}

// Save inserts or replaces one entry.
func (s *Store) Save(ctx context.Context, entry *types.AnalysisEntry) error {
	err := s.retry.DoWithContext(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO analysis_entries (key, type, instrument, timeframe, payload, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
				type = excluded.type,
				instrument = excluded.instrument,
				timeframe = excluded.timeframe,
				payload = excluded.payload,
				created_at = excluded.created_at,
				expires_at = excluded.expires_at`,
			entry.Key, entry.Type, entry.Instrument, entry.Timeframe,
			entry.Payload, entry.CreatedAt, entry.ExpiresAt)
		return err
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "save entry", err).
			WithComponent("sqlite").WithContext("key", entry.Key)
	}
	return nil
}

// DeleteExpired removes every row whose expiry has passed.
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	return s.exec(ctx, "delete expired",
		`DELETE FROM analysis_entries WHERE expires_at <= ?`, s.now())
}

// DeleteByType removes entries of one type, optionally narrowed to one
// instrument.
func (s *Store) DeleteByType(ctx context.Context, analysisType, instrument string) (int, error) {
	if instrument != "" {
		return s.exec(ctx, "delete by type and instrument",
			`DELETE FROM analysis_entries WHERE type = ? AND instrument = ?`,
			analysisType, instrument)
	}
	return s.exec(ctx, "delete by type",
		`DELETE FROM analysis_entries WHERE type = ?`, analysisType)
}

// DeleteByInstrument removes all entries for one instrument.
func (s *Store) DeleteByInstrument(ctx context.Context, instrument string) (int, error) {
	return s.exec(ctx, "delete by instrument",
		`DELETE FROM analysis_entries WHERE instrument = ?`, instrument)
}

// DeleteAll removes every entry.
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	return s.exec(ctx, "delete all", `DELETE FROM analysis_entries`)
}

// Statistics reports entry counts overall, per type, and expired-but-unswept.
func (s *Store) Statistics(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total, expired int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM analysis_entries`).Scan(&total); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "count entries", err).WithComponent("sqlite")
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM analysis_entries WHERE expires_at <= ?`, s.now()).Scan(&expired); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "count expired", err).WithComponent("sqlite")
	}
	stats["total_entries"] = total
	stats["expired_entries"] = expired

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM analysis_entries GROUP BY type`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "count by type", err).WithComponent("sqlite")
	}
	defer func() { _ = rows.Close() }()

	byType := make(map[string]int)
	for rows.Next() {
		var analysisType string
		var count int
		if err := rows.Scan(&analysisType, &count); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStorageRead, "scan type count", err).WithComponent("sqlite")
		}
		byType[analysisType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "iterate type counts", err).WithComponent("sqlite")
	}
	stats["entries_by_type"] = byType

	return stats, nil
}

func (s *Store) exec(ctx context.Context, op, query string, args ...interface{}) (int, error) {
	var result sql.Result
	err := s.retry.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeStorageDelete, op, err).WithComponent("sqlite")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeStorageDelete, fmt.Sprintf("%s: rows affected", op), err).
			WithComponent("sqlite")
	}
	return int(affected), nil
}
