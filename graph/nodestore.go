package graph

import (
	"fmt"
	"sync"
)

// nodeStore is the concurrent map from key identity to node entry.
//
// It owns entry lifecycle and edge storage; it performs no computation and
// cannot fail except on programmer error. Concurrent createIfAbsent calls
// for the same key all observe the single winning entry.
type nodeStore struct {
	mu      sync.RWMutex
	entries map[string]*nodeEntry
}

func newNodeStore() *nodeStore {
	return &nodeStore{entries: make(map[string]*nodeEntry)}
}

// createIfAbsent returns the entry for key, creating it on first reference.
// The second result is true when this call created the entry.
func (s *nodeStore) createIfAbsent(key Key) (*nodeEntry, bool) {
	id := key.String()

	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return entry, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok {
		return entry, false
	}
	entry = newNodeEntry(key)
	s.entries[id] = entry
	return entry, true
}

// get returns the entry for key, or nil if the key was never referenced.
func (s *nodeStore) get(id string) *nodeEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// all returns every entry in unspecified order.
func (s *nodeStore) all() []*nodeEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*nodeEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	return out
}

// len returns the number of entries.
func (s *nodeStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// addEdge records a dependency edge from -> to, maintaining the reverse
// edge. Both entries must already exist.
func (s *nodeStore) addEdge(from, to *nodeEntry) {
	// Lock ordering: from before to, by identity, to avoid deadlock with a
	// concurrent edge in the other direction (which would be a cycle, but
	// must still not deadlock before detection).
	first, second := from, to
	if first.key.String() > second.key.String() {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	from.addDep(to.key)
	to.rdeps[from.key.String()] = struct{}{}
	second.mu.Unlock()
	first.mu.Unlock()
}

// removeReverseEdge drops from's reverse-dependency registration on dep.
func (s *nodeStore) removeReverseEdge(fromID, depID string) {
	dep := s.get(depID)
	if dep == nil {
		return
	}
	dep.mu.Lock()
	delete(dep.rdeps, fromID)
	dep.mu.Unlock()
}

// reverseDeps returns the identities of entries depending on id.
func (s *nodeStore) reverseDeps(id string) []string {
	entry := s.get(id)
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]string, 0, len(entry.rdeps))
	for r := range entry.rdeps {
		out = append(out, r)
	}
	return out
}

// dependsOn reports whether a path of dependency edges leads from start to
// target. Used for cycle detection at edge-declaration time: requesting an
// edge A -> B when B transitively depends on A forms a cycle. Returns the
// path start..target when found.
func (s *nodeStore) dependsOn(startID, targetID string) ([]string, bool) {
	if startID == targetID {
		return []string{startID}, true
	}
	visited := map[string]struct{}{startID: {}}
	var dfs func(id string, path []string) ([]string, bool)
	dfs = func(id string, path []string) ([]string, bool) {
		entry := s.get(id)
		if entry == nil {
			return nil, false
		}
		entry.mu.Lock()
		deps := make([]string, len(entry.deps))
		copy(deps, entry.deps)
		entry.mu.Unlock()
		for _, dep := range deps {
			if dep == targetID {
				return append(path, dep), true
			}
			if _, ok := visited[dep]; ok {
				continue
			}
			visited[dep] = struct{}{}
			if found, ok := dfs(dep, append(path, dep)); ok {
				return found, ok
			}
		}
		return nil, false
	}
	return dfs(startID, []string{startID})
}

// setValue commits a computed value at the given version. Committing over a
// usable value at the same version is a double-initialization bug.
func (s *nodeStore) setValue(entry *nodeEntry, value any, version uint64, changed bool) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state == StateDone && entry.version == version {
		panic(fmt.Sprintf("buildgraph: double initialization of %s at version %d", entry.key, version))
	}
	entry.value = value
	entry.err = nil
	entry.version = version
	if changed {
		entry.changedAt = version
	}
	entry.state = StateDone
	entry.parked = false
	entry.pendingDeps = 0
	entry.running = false
}
