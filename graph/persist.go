package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/buildgraph-go/graph/store"
)

// Snapshot persists every successfully memoized node to the configured
// store, along with a build record for the current version. Values must be
// JSON-serializable; a node whose value fails to marshal aborts the
// snapshot.
//
// Error nodes are not persisted: failures are re-derived on the next build
// rather than resurrected across restarts. Must not be called concurrently
// with Evaluate.
func (e *Engine) Snapshot(ctx context.Context) error {
	if e.opts.Store == nil {
		return &EngineError{Message: "no store configured", Code: "NO_STORE"}
	}

	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	version := e.version.Load()
	var topKeys []string

	for _, entry := range e.nodes.all() {
		entry.mu.Lock()
		persistable := entry.state == StateDone || entry.state == StateVerifiedClean
		if !persistable {
			entry.mu.Unlock()
			continue
		}
		rec := store.EntryRecord{
			Key:       entry.key.String(),
			Kind:      entry.key.Kind(),
			Version:   entry.version,
			ChangedAt: entry.changedAt,
			Deps:      append([]string(nil), entry.deps...),
		}
		value := entry.value
		entry.mu.Unlock()

		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value of %s: %w", rec.Key, err)
		}
		rec.Value = data

		if err := e.opts.Store.SaveEntry(ctx, rec); err != nil {
			return err
		}
		topKeys = append(topKeys, rec.Key)
	}

	return e.opts.Store.SaveBuild(ctx, store.BuildRecord{
		BuildID:    fmt.Sprintf("snapshot-%d", version),
		Version:    version,
		TopKeys:    topKeys,
		FinishedAt: time.Now(),
	})
}

// Restore loads every persisted node from the configured store into a
// freshly constructed engine, giving it a warm memo table.
//
// Restored values are treated as current as of their recorded versions;
// callers are responsible for calling MarkChanged for any external inputs
// that changed while the engine was down. The engine's version is advanced
// past the highest restored version so new builds stamp fresh values.
//
// Keys are reconstructed from their persisted string form: plain keys
// become StringKeys and group keys are rebuilt from their member lists.
// This preserves identity (the node store interns by the string form) even
// when the original program used richer key types.
func (e *Engine) Restore(ctx context.Context) error {
	if e.opts.Store == nil {
		return &EngineError{Message: "no store configured", Code: "NO_STORE"}
	}

	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	records, err := e.opts.Store.LoadAll(ctx)
	if err != nil {
		return err
	}

	byKey := make(map[string]store.EntryRecord, len(records))
	for _, rec := range records {
		byKey[rec.Key] = rec
	}

	keyCache := make(map[string]Key, len(records))
	maxVersion := uint64(0)

	for _, rec := range records {
		key, err := reconstructKey(rec.Key, byKey, keyCache)
		if err != nil {
			return err
		}

		var value any
		if err := json.Unmarshal(rec.Value, &value); err != nil {
			return fmt.Errorf("failed to unmarshal value of %s: %w", rec.Key, err)
		}

		entry, _ := e.nodes.createIfAbsent(key)
		entry.mu.Lock()
		entry.value = value
		entry.err = nil
		entry.state = StateDone
		entry.version = rec.Version
		entry.changedAt = rec.ChangedAt
		entry.mu.Unlock()

		if rec.Version > maxVersion {
			maxVersion = rec.Version
		}
	}

	// Second pass: dependency edges, after every entry exists.
	for _, rec := range records {
		from := e.nodes.get(rec.Key)
		for _, depID := range rec.Deps {
			depKey, err := reconstructKey(depID, byKey, keyCache)
			if err != nil {
				return err
			}
			dep, _ := e.nodes.createIfAbsent(depKey)
			e.nodes.addEdge(from, dep)
		}
	}

	for {
		current := e.version.Load()
		if current >= maxVersion {
			break
		}
		if e.version.CompareAndSwap(current, maxVersion) {
			break
		}
	}
	return nil
}

// reconstructKey rebuilds a Key from its persisted identity. Group keys
// are rebuilt recursively from the persisted member list so the digest
// identity round-trips; everything else becomes a StringKey.
func reconstructKey(id string, byKey map[string]store.EntryRecord, cache map[string]Key) (Key, error) {
	if k, ok := cache[id]; ok {
		return k, nil
	}

	slash := strings.Index(id, "/")
	if slash < 0 {
		return nil, fmt.Errorf("malformed persisted key %q", id)
	}
	kind, name := id[:slash], id[slash+1:]

	if kind != GroupKeyKind {
		k := NewKey(kind, name)
		cache[id] = k
		return k, nil
	}

	rec, ok := byKey[id]
	if !ok {
		return nil, fmt.Errorf("persisted group key %q has no record to rebuild members from", id)
	}
	members := make([]Key, 0, len(rec.Deps))
	for _, depID := range rec.Deps {
		m, err := reconstructKey(depID, byKey, cache)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	g := NewGroupKey(members...)
	if g.String() != id {
		return nil, fmt.Errorf("persisted group key %q does not match rebuilt identity %q", id, g.String())
	}
	cache[id] = g
	return g, nil
}
