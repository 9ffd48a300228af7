package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// It stores the memo table in a relational database. Designed for:
//   - Shared memo tables across build workers
//   - Builds that survive process restarts
//   - Audit trails of build history
//
// MySQLStore uses connection pooling for reliability.
//
// Schema:
//   - graph_entries: one row per memoized node
//   - graph_builds: one row per completed build
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/buildgraph
//	user:password@tcp(127.0.0.1:3306)/buildgraph?parseTime=true
//
// parseTime=true is required so finished_at scans into time.Time.
//
// Security warning: never hardcode credentials in source. Read the DSN from
// the environment:
//
//	dsn := os.Getenv("MYSQL_DSN")
//	st, err := store.NewMySQLStore(dsn)
//
// The store automatically creates required tables and configures the
// connection pool.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS graph_entries (
			entry_key  VARCHAR(512) PRIMARY KEY,
			kind       VARCHAR(128) NOT NULL,
			value      JSON NOT NULL,
			version    BIGINT UNSIGNED NOT NULL,
			changed_at BIGINT UNSIGNED NOT NULL,
			deps       JSON NOT NULL,
			INDEX idx_entries_kind (kind)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS graph_builds (
			build_id    VARCHAR(64) PRIMARY KEY,
			version     BIGINT UNSIGNED NOT NULL,
			top_keys    TEXT NOT NULL,
			finished_at TIMESTAMP(6) NOT NULL,
			INDEX idx_builds_finished_at (finished_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}

	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// SaveEntry upserts a node record.
func (s *MySQLStore) SaveEntry(ctx context.Context, rec EntryRecord) error {
	deps, err := json.Marshal(rec.Deps)
	if err != nil {
		return fmt.Errorf("failed to marshal deps for %s: %w", rec.Key, err)
	}

	query := `
	INSERT INTO graph_entries (entry_key, kind, value, version, changed_at, deps)
	VALUES (?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		kind = VALUES(kind),
		value = VALUES(value),
		version = VALUES(version),
		changed_at = VALUES(changed_at),
		deps = VALUES(deps)`

	if _, err := s.db.ExecContext(ctx, query,
		rec.Key, rec.Kind, string(rec.Value), rec.Version, rec.ChangedAt, string(deps)); err != nil {
		return fmt.Errorf("failed to save entry %s: %w", rec.Key, err)
	}
	return nil
}

// LoadEntry retrieves the record for a key, or ErrNotFound.
func (s *MySQLStore) LoadEntry(ctx context.Context, key string) (EntryRecord, error) {
	query := `SELECT entry_key, kind, value, version, changed_at, deps FROM graph_entries WHERE entry_key = ?`

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
func (s *MySQLStore) LoadAll(ctx context.Context) ([]EntryRecord, error) {
	query := `SELECT entry_key, kind, value, version, changed_at, deps FROM graph_entries`

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
func (s *MySQLStore) SaveBuild(ctx context.Context, rec BuildRecord) error {
	query := `
	INSERT INTO graph_builds (build_id, version, top_keys, finished_at)
	VALUES (?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		version = VALUES(version),
		top_keys = VALUES(top_keys),
		finished_at = VALUES(finished_at)`

	if _, err := s.db.ExecContext(ctx, query,
		rec.BuildID, rec.Version, strings.Join(rec.TopKeys, "\n"), rec.FinishedAt.UTC()); err != nil {
		return fmt.Errorf("failed to save build %s: %w", rec.BuildID, err)
	}
	return nil
}

// LoadLatestBuild retrieves the most recently finished build, or ErrNotFound.
func (s *MySQLStore) LoadLatestBuild(ctx context.Context) (BuildRecord, error) {
	query := `SELECT build_id, version, top_keys, finished_at FROM graph_builds ORDER BY finished_at DESC LIMIT 1`

	var rec BuildRecord
	var topKeys string
	err := s.db.QueryRowContext(ctx, query).Scan(&rec.BuildID, &rec.Version, &topKeys, &rec.FinishedAt)
	if err == sql.ErrNoRows {
		return BuildRecord{}, ErrNotFound
	}
	if err != nil {
		return BuildRecord{}, fmt.Errorf("failed to load latest build: %w", err)
	}

	if topKeys != "" {
		rec.TopKeys = strings.Split(topKeys, "\n")
	}
	return rec, nil
}

// Close closes the underlying database connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
