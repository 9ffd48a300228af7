package graph

import (
	"context"
)

// Environment is the per-evaluation handle a computation uses to request
// dependency values.
//
// A computation calls Get for each dependency it needs. When a dependency is
// not yet available the Environment records it as missing and returns
// (nil, nil); the computation should keep requesting any other dependencies
// it already knows about (batching keeps graph depth from serializing the
// build) and then return (nil, nil) itself. The engine parks the node and
// re-invokes the computation from scratch once every missing dependency has
// reached a terminal state. Computations must therefore be side-effect-free
// up to their final dependency request.
//
// An Environment is only valid for the duration of one computation
// invocation and must not be retained.
type Environment struct {
	ctx   context.Context
	eng   *Engine
	st    *buildState
	entry *nodeEntry

	missing []*nodeEntry
	fatal   error
}

// Context returns the evaluation context. It is cancelled when the build is
// cancelled or exceeds its wall-clock budget.
func (env *Environment) Context() context.Context {
	return env.ctx
}

// Get requests the value of a dependency.
//
// Returns:
//   - (value, nil) when the dependency is done.
//   - (nil, nil) when the dependency is not yet available; the computation
//     is suspended and re-invoked later.
//   - (nil, err) when the dependency failed. Returning that error from the
//     computation propagates the failure; a computation that tolerates
//     partial failure may inspect it with errors.As and continue.
func (env *Environment) Get(key Key) (any, error) {
	dep, _ := env.eng.nodes.createIfAbsent(key)

	if dep == env.entry {
		err := &CycleError{Chain: []Key{env.entry.key, env.entry.key}}
		env.fatal = err
		return nil, err
	}
	if err := env.eng.declareDep(env.entry, dep); err != nil {
		env.fatal = err
		return nil, err
	}

	dep.mu.Lock()
	usable := dep.usable()
	state := dep.state
	value := dep.value
	depErr := dep.err
	version := dep.version
	dep.mu.Unlock()

	if usable {
		if state == StateError {
			return nil, depErr
		}
		if env.eng.opts.Metrics != nil && version < env.st.version {
			env.eng.opts.Metrics.IncrementMemoHits(env.entry.key.Kind())
		}
		return value, nil
	}

	env.missing = append(env.missing, dep)
	env.eng.schedule(env.st, dep)
	return nil, nil
}

// GetAll requests every key and returns the values that are already
// available, in key order. Unavailable dependencies are recorded as missing
// the same way Get records them; the first dependency error encountered is
// returned.
func (env *Environment) GetAll(keys ...Key) ([]any, error) {
	values := make([]any, len(keys))
	var firstErr error
	for i, k := range keys {
		v, err := env.Get(k)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		values[i] = v
	}
	return values, firstErr
}

// MissingDeps reports whether any requested dependency was unavailable. A
// computation that observes true should return (nil, nil) to suspend.
func (env *Environment) MissingDeps() bool {
	return len(env.missing) > 0
}
