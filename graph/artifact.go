package graph

import (
	"fmt"
	"sort"
	"sync"
)

// ArtifactKind classifies artifacts for ownership resolution.
type ArtifactKind int

const (
	// ArtifactFile is a single regular output file.
	ArtifactFile ArtifactKind = iota

	// ArtifactTree is a directory of files produced as one unit; individual
	// children share the tree's generating node.
	ArtifactTree

	// ArtifactSymlinkSet is a produced set of symlinks resolved together.
	ArtifactSymlinkSet

	// ArtifactBundle is a run-time aggregation of other artifacts (runfiles
	// style); it has no single generating node of its own.
	ArtifactBundle
)

// String returns the kind name for logs.
func (k ArtifactKind) String() string {
	switch k {
	case ArtifactFile:
		return "FILE"
	case ArtifactTree:
		return "TREE"
	case ArtifactSymlinkSet:
		return "SYMLINK_SET"
	case ArtifactBundle:
		return "BUNDLE"
	default:
		return fmt.Sprintf("ArtifactKind(%d)", int(k))
	}
}

// Artifact describes one file-like object flowing between computations.
//
// Artifacts are identified by content digest. An artifact whose backing
// bytes disappear from remote storage is reported lost by the consumer; the
// rewind planner then uses Generators and the ownership index to find the
// nodes whose re-execution regenerates it.
type Artifact struct {
	// Path is the workspace-relative path, for diagnostics.
	Path string

	// Digest is the content digest. Loss accounting is keyed on it.
	Digest string

	// Kind classifies the artifact.
	Kind ArtifactKind

	// Source marks a checked-in input. Source artifacts have no generator
	// and can never be regenerated by rewinding.
	Source bool

	// Generators are the nodes whose re-execution regenerates this
	// artifact. Empty for source artifacts and for bundles, whose contents
	// are owned by their members.
	Generators []Key
}

// OwnershipIndex maps lost artifacts back to the dependency structure of
// the node that consumed them.
//
// Two relations are tracked:
//   - owner: artifact digest -> keys whose value contains the artifact
//     (a tree node owns its children, a symlink set owns its resolved
//     targets)
//   - parent: key -> aggregating keys one level up (a tree inside a
//     run-time bundle has the bundle as parent)
//
// The planner resolves ownership with at most two parent hops, matching the
// deepest real nesting (file inside tree inside bundle).
//
// Thread-safe; built by computations as they consume artifacts.
type OwnershipIndex struct {
	mu      sync.RWMutex
	owners  map[string][]Key
	parents map[string][]Key
}

// NewOwnershipIndex creates an empty index.
func NewOwnershipIndex() *OwnershipIndex {
	return &OwnershipIndex{
		owners:  make(map[string][]Key),
		parents: make(map[string][]Key),
	}
}

// AddOwner records that owner's value contains the artifact with digest.
func (ix *OwnershipIndex) AddOwner(digest string, owner Key) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, k := range ix.owners[digest] {
		if k.String() == owner.String() {
			return
		}
	}
	ix.owners[digest] = append(ix.owners[digest], owner)
}

// AddParent records that parent aggregates child.
func (ix *OwnershipIndex) AddParent(child, parent Key) {
	id := child.String()
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, k := range ix.parents[id] {
		if k.String() == parent.String() {
			return
		}
	}
	ix.parents[id] = append(ix.parents[id], parent)
}

// Owners returns the keys recorded as containing the artifact.
func (ix *OwnershipIndex) Owners(digest string) []Key {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Key, len(ix.owners[digest]))
	copy(out, ix.owners[digest])
	return out
}

// Parents returns the keys recorded as aggregating key.
func (ix *OwnershipIndex) Parents(key Key) []Key {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Key, len(ix.parents[key.String()]))
	copy(out, ix.parents[key.String()])
	return out
}

// LostArtifactsError is returned by a computation that found one or more of
// its input artifacts missing from storage (most commonly evicted from a
// remote cache).
//
// The engine does not treat this as a normal failure: it plans a rewind of
// the nodes that regenerate the lost artifacts, resets them, and re-runs
// the reporting computation. Computations construct this error and return
// it; they must not wrap it so the engine can detect it with errors.As.
type LostArtifactsError struct {
	// Lost maps artifact digest to the lost artifact.
	Lost map[string]Artifact

	// Owners optionally maps the lost artifacts back to the reporting
	// node's dependency structure. Nil when every lost artifact carries
	// its own Generators.
	Owners *OwnershipIndex
}

// Error implements the error interface. Paths are listed sorted so the
// message is deterministic.
func (e *LostArtifactsError) Error() string {
	paths := make([]string, 0, len(e.Lost))
	for _, a := range e.Lost {
		paths = append(paths, a.Path)
	}
	sort.Strings(paths)
	msg := fmt.Sprintf("%d artifacts lost", len(paths))
	for i, p := range paths {
		if i == 5 {
			msg += fmt.Sprintf(", and %d more", len(paths)-5)
			break
		}
		if i == 0 {
			msg += ": " + p
		} else {
			msg += ", " + p
		}
	}
	return msg
}
