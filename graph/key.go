package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Key identifies one unit of computation in the graph.
//
// Keys are immutable. Identity is the String() form, which must be unique
// across the whole graph (the conventional format is "kind/name"). The node
// store interns entries by this form, so two Key values with equal String()
// results address the same node even if their dynamic types differ.
//
// Keys may reference other keys structurally (see GroupKey) but must never
// form a key-level cycle.
type Key interface {
	// Kind selects the registered Computer for this key.
	Kind() string

	// String returns the unique identity of this key.
	String() string
}

// StringKey is a plain named key. Most leaf and computation keys are
// StringKeys; richer key types only need to satisfy the Key interface.
type StringKey struct {
	// KeyKind selects the computer.
	KeyKind string

	// Name distinguishes keys within a kind.
	Name string
}

// NewKey creates a StringKey with the given kind and name.
func NewKey(kind, name string) StringKey {
	return StringKey{KeyKind: kind, Name: name}
}

// Kind implements Key.
func (k StringKey) Kind() string { return k.KeyKind }

// String implements Key. The form is "kind/name".
func (k StringKey) String() string { return k.KeyKind + "/" + k.Name }

// GroupKeyKind is the reserved kind of dependency-group keys. The engine
// registers a built-in computer for it; callers must not register their own.
const GroupKeyKind = "group"

// GroupKey aggregates a set of member keys into one dependency.
//
// A computation that depends on a large, shared collection of keys can
// declare a single GroupKey dependency instead of every member. The engine
// evaluates a group by evaluating all members; its value is the slice of
// member values in declaration order. Groups may nest (a member may itself
// be a GroupKey), which is how run-time file bundles aggregate trees that
// aggregate files.
//
// Two GroupKeys with the same member identities are the same node: identity
// is a digest over the sorted member identity strings.
type GroupKey struct {
	members []Key
	id      string
}

// NewGroupKey creates a GroupKey over the given members.
func NewGroupKey(members ...Key) GroupKey {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.String()
	}
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return GroupKey{
		members: members,
		id:      GroupKeyKind + "/" + hex.EncodeToString(h[:16]),
	}
}

// Kind implements Key.
func (g GroupKey) Kind() string { return GroupKeyKind }

// String implements Key.
func (g GroupKey) String() string { return g.id }

// Members returns the aggregated keys in declaration order.
func (g GroupKey) Members() []Key {
	out := make([]Key, len(g.members))
	copy(out, g.members)
	return out
}

// Grouper is satisfied by keys that structurally aggregate other keys.
// GroupKey is the canonical implementation; the rewind planner uses this
// interface to expand nested aggregates without depending on the concrete
// type.
type Grouper interface {
	Key
	Members() []Key
}

// expandGroupMembers flattens a dependency list, replacing group keys with
// their transitive non-group members. The rewind planner uses it to reach
// the member nodes behind an insensitive propagator's group dependencies.
func expandGroupMembers(deps []Key) []Key {
	seen := make(map[string]struct{})
	var out []Key
	var walk func(k Key)
	walk = func(k Key) {
		if _, ok := seen[k.String()]; ok {
			return
		}
		seen[k.String()] = struct{}{}
		if g, ok := k.(Grouper); ok {
			for _, m := range g.Members() {
				walk(m)
			}
			return
		}
		out = append(out, k)
	}
	for _, d := range deps {
		walk(d)
	}
	return out
}
