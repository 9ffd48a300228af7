// Package store provides persistence backends for memoized node values.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested key or build does not exist.
var ErrNotFound = errors.New("not found")

// EntryRecord is the persisted form of one memoized node.
//
// Values are stored as JSON so any backend can hold them; the engine
// marshals on snapshot and unmarshals on restore. Deps holds the node's
// direct dependency keys from its last successful computation, which the
// engine needs to verify dirty nodes without recomputing them.
type EntryRecord struct {
	// Key is the node identity in "kind/name" form.
	Key string `json:"key"`

	// Kind is the key kind, duplicated out of Key for indexed queries.
	Kind string `json:"kind"`

	// Value is the JSON-encoded node value.
	Value json.RawMessage `json:"value"`

	// Version is the build version at which the node was last evaluated.
	Version uint64 `json:"version"`

	// ChangedAt is the build version at which the value last actually
	// changed. ChangedAt <= Version; the gap is the unchanged-value
	// short-circuit window.
	ChangedAt uint64 `json:"changedAt"`

	// Deps are the direct dependency keys declared during the last
	// successful computation, in declaration order.
	Deps []string `json:"deps"`
}

// BuildRecord summarizes one completed build for cross-restart resumption.
type BuildRecord struct {
	// BuildID is the unique identifier of the build.
	BuildID string `json:"buildID"`

	// Version is the engine version stamp the build ran at.
	Version uint64 `json:"version"`

	// TopKeys are the keys the build was asked to evaluate.
	TopKeys []string `json:"topKeys"`

	// FinishedAt is when the build completed.
	FinishedAt time.Time `json:"finishedAt"`
}

// Store provides persistence for memoized node values and build metadata.
//
// It enables:
//   - Snapshotting the memo table after a build
//   - Restoring memoized values into a fresh engine (warm start)
//   - Recording build history for auditing
//
// Implementations can use in-memory maps (testing, see memory.go), SQLite
// for single-host persistence, or MySQL for shared storage.
//
// All methods must be safe for concurrent use.
type Store interface {
	// SaveEntry persists one node record, overwriting any previous record
	// for the same key.
	SaveEntry(ctx context.Context, rec EntryRecord) error

	// LoadEntry retrieves the record for a key.
	// Returns ErrNotFound if the key has never been saved.
	LoadEntry(ctx context.Context, key string) (EntryRecord, error)

	// LoadAll retrieves every persisted node record.
	// Returns an empty slice when the store is empty.
	LoadAll(ctx context.Context) ([]EntryRecord, error)

	// SaveBuild records a completed build.
	SaveBuild(ctx context.Context, rec BuildRecord) error

	// LoadLatestBuild retrieves the most recently finished build.
	// Returns ErrNotFound if no build has been recorded.
	LoadLatestBuild(ctx context.Context) (BuildRecord, error)

	// Close releases backend resources. The store is unusable afterwards.
	Close() error
}
