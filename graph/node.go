package graph

import (
	"fmt"
	"reflect"
	"sync"
)

// NodeState is the lifecycle state of a node entry.
//
// Within one build version the legal transitions are:
//
//	StateNew -> StateEvaluating -> {StateDone, StateError}
//
// Across builds, invalidation adds:
//
//	StateDone -> StateDirty -> StateEvaluating (deps changed, recompute)
//	StateDone -> StateDirty -> StateVerifiedClean (deps unchanged, value reused)
//	StateDone -> StateChanged -> StateEvaluating (explicitly changed or rewound)
//
// StateVerifiedClean is value-equivalent to StateDone: consumers may read
// the value. An EVALUATING entry whose computation requested unavailable
// dependencies is parked (pendingDeps > 0) rather than occupying a worker.
type NodeState int32

const (
	// StateNew is the initial state on first reference.
	StateNew NodeState = iota

	// StateEvaluating marks an entry whose computation is running or parked
	// awaiting dependencies.
	StateEvaluating

	// StateDone marks a completed entry with a valid value and fixed
	// dependency set.
	StateDone

	// StateError marks an entry whose computation failed permanently at the
	// current version.
	StateError

	// StateDirty marks a possibly-stale entry whose dependencies must be
	// re-verified before its value may be reused.
	StateDirty

	// StateChanged marks an entry that must recompute unconditionally:
	// either its external input changed or a rewind reset it.
	StateChanged

	// StateVerifiedClean marks a dirty entry whose dependencies turned out
	// unchanged; the recorded value was reused without recomputation.
	StateVerifiedClean
)

// String returns the state name for logs and errors.
func (s NodeState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateEvaluating:
		return "EVALUATING"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	case StateDirty:
		return "DIRTY"
	case StateChanged:
		return "CHANGED"
	case StateVerifiedClean:
		return "VERIFIED_CLEAN"
	default:
		return fmt.Sprintf("NodeState(%d)", int32(s))
	}
}

// Equaler lets values define domain equality for the unchanged-value
// short-circuit. Values that do not implement Equaler are compared with
// reflect.DeepEqual.
type Equaler interface {
	Equal(other any) bool
}

// valuesEqual reports whether a recomputed value matches the previous one.
func valuesEqual(a, b any) bool {
	if eq, ok := a.(Equaler); ok {
		return eq.Equal(b)
	}
	return reflect.DeepEqual(a, b)
}

// nodeEntry is the mutable per-key record owned by the node store.
//
// All fields except key are guarded by mu. Entries are created once per key
// and never deleted; concurrent creators all observe the single winner.
type nodeEntry struct {
	key Key

	mu    sync.Mutex
	state NodeState

	// value is the memoized result; valid in StateDone and
	// StateVerifiedClean.
	value any

	// err is the failure cause; valid in StateError.
	err error

	// version is the build version at which the value was last computed or
	// verified clean.
	version uint64

	// changedAt is the build version at which the value last actually
	// changed. Dependents use it for the unchanged-value short-circuit.
	changedAt uint64

	// deps are direct dependency identities in first-request order.
	deps   []string
	depSet map[string]struct{}

	// depKeys mirrors deps with the original Key values, needed to
	// re-request dependencies during dirty verification and rewinding.
	depKeys []Key

	// rdeps are identities of entries that declared a dependency on this
	// one.
	rdeps map[string]struct{}

	// pendingDeps counts unsatisfied dependencies of a parked evaluation.
	// The entry is re-enqueued when it reaches zero.
	pendingDeps int

	// parked marks an EVALUATING entry waiting on dependencies.
	parked bool

	// queued prevents double-enqueueing into the frontier.
	queued bool

	// running marks an entry claimed by a worker. A dependent may re-enqueue
	// an in-flight entry (its queued flag clears on pop); workers drop such
	// duplicates so the computation runs on exactly one worker.
	running bool

	// attempts counts transient-error retries at the current version.
	attempts int
}

func newNodeEntry(key Key) *nodeEntry {
	return &nodeEntry{
		key:    key,
		state:  StateNew,
		depSet: make(map[string]struct{}),
		rdeps:  make(map[string]struct{}),
	}
}

// usable reports whether the entry's value (or error) is current and may be
// consumed by a dependent. Callers must hold mu.
func (n *nodeEntry) usable() bool {
	switch n.state {
	case StateDone, StateVerifiedClean, StateError:
		return true
	default:
		return false
	}
}

// addDep records a direct dependency edge. Returns false if the edge was
// already present. Callers must hold mu.
func (n *nodeEntry) addDep(dep Key) bool {
	id := dep.String()
	if _, ok := n.depSet[id]; ok {
		return false
	}
	n.depSet[id] = struct{}{}
	n.deps = append(n.deps, id)
	n.depKeys = append(n.depKeys, dep)
	return true
}

// clearDeps drops the recorded dependency set ahead of a fresh computation.
// Reverse edges on the former dependencies are removed by the caller, which
// must not hold any other entry's lock. Callers must hold mu.
func (n *nodeEntry) clearDeps() []string {
	old := n.deps
	n.deps = nil
	n.depKeys = nil
	n.depSet = make(map[string]struct{})
	return old
}

// snapshotDepKeys returns a copy of the dependency keys. Callers must hold
// mu.
func (n *nodeEntry) snapshotDepKeys() []Key {
	out := make([]Key, len(n.depKeys))
	copy(out, n.depKeys)
	return out
}
