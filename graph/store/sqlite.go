package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // CGo-free SQLite driver
)

// SQLiteStore is a SQLite-backed implementation of Store.
//
// Designed for single-host persistence of the memo table across engine
// restarts. Uses the pure-Go modernc.org/sqlite driver, so binaries build
// without CGo.
//
// Schema:
//   - entries: one row per node (key, kind, value, version, changed_at, deps)
//   - builds: one row per completed build
//
// Concurrency: SQLite allows one writer at a time. The connection pool is
// capped at a single connection and WAL mode is enabled so readers do not
// block the writer.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and prepares
// the schema. Use ":memory:" for an ephemeral database in tests.
//
// Example:
//
//	st, err := store.NewSQLiteStore("/var/lib/buildgraph/memo.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway, and one
	// connection avoids SQLITE_BUSY churn under concurrent snapshots.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		key        TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		value      TEXT NOT NULL,
		version    INTEGER NOT NULL,
		changed_at INTEGER NOT NULL,
		deps       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_kind ON entries(kind);

	CREATE TABLE IF NOT EXISTS builds (
		build_id    TEXT PRIMARY KEY,
		version     INTEGER NOT NULL,
		top_keys    TEXT NOT NULL,
		finished_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_builds_finished_at ON builds(finished_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// SaveEntry upserts a node record.
func (s *SQLiteStore) SaveEntry(ctx context.Context, rec EntryRecord) error {
	deps, err := json.Marshal(rec.Deps)
	if err != nil {
		return fmt.Errorf("failed to marshal deps for %s: %w", rec.Key, err)
	}

	query := `
	INSERT INTO entries (key, kind, value, version, changed_at, deps)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		kind = excluded.kind,
		value = excluded.value,
		version = excluded.version,
		changed_at = excluded.changed_at,
		deps = excluded.deps`

	if _, err := s.db.ExecContext(ctx, query,
		rec.Key, rec.Kind, string(rec.Value), rec.Version, rec.ChangedAt, string(deps)); err != nil {
		return fmt.Errorf("failed to save entry %s: %w", rec.Key, err)
	}
	return nil
}

// LoadEntry retrieves the record for a key, or ErrNotFound.
func (s *SQLiteStore) LoadEntry(ctx context.Context, key string) (EntryRecord, error) {
	query := `SELECT key, kind, value, version, changed_at, deps FROM entries WHERE key = ?`

	rec, err := scanEntry(s.db.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return EntryRecord{}, ErrNotFound
	}
	if err != nil {
		return EntryRecord{}, fmt.Errorf("failed to load entry %s: %w", key, err)
	}
	return rec, nil
}

// LoadAll retrieves every persisted node record.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]EntryRecord, error) {
	query := `SELECT key, kind, value, version, changed_at, deps FROM entries`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	defer rows.Close()

	var records []EntryRecord
	for rows.Next() {
		rec, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}
	if records == nil {
		records = []EntryRecord{}
	}
	return records, nil
}

// SaveBuild upserts a build record.
func (s *SQLiteStore) SaveBuild(ctx context.Context, rec BuildRecord) error {
	query := `
	INSERT INTO builds (build_id, version, top_keys, finished_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(build_id) DO UPDATE SET
		version = excluded.version,
		top_keys = excluded.top_keys,
		finished_at = excluded.finished_at`

	if _, err := s.db.ExecContext(ctx, query,
		rec.BuildID, rec.Version, strings.Join(rec.TopKeys, "\n"), rec.FinishedAt.UTC()); err != nil {
		return fmt.Errorf("failed to save build %s: %w", rec.BuildID, err)
	}
	return nil
}

// LoadLatestBuild retrieves the most recently finished build, or ErrNotFound.
func (s *SQLiteStore) LoadLatestBuild(ctx context.Context) (BuildRecord, error) {
	query := `SELECT build_id, version, top_keys, finished_at FROM builds ORDER BY finished_at DESC LIMIT 1`

	var rec BuildRecord
	var topKeys string
	var finishedAt time.Time
	err := s.db.QueryRowContext(ctx, query).Scan(&rec.BuildID, &rec.Version, &topKeys, &finishedAt)
	if err == sql.ErrNoRows {
		return BuildRecord{}, ErrNotFound
	}
	if err != nil {
		return BuildRecord{}, fmt.Errorf("failed to load latest build: %w", err)
	}

	if topKeys != "" {
		rec.TopKeys = strings.Split(topKeys, "\n")
	}
	rec.FinishedAt = finishedAt
	return rec, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (EntryRecord, error) {
	var rec EntryRecord
	var value, deps string
	if err := row.Scan(&rec.Key, &rec.Kind, &value, &rec.Version, &rec.ChangedAt, &deps); err != nil {
		return EntryRecord{}, err
	}

	rec.Value = json.RawMessage(value)
	if err := json.Unmarshal([]byte(deps), &rec.Deps); err != nil {
		return EntryRecord{}, fmt.Errorf("failed to unmarshal deps for %s: %w", rec.Key, err)
	}
	return rec, nil
}
