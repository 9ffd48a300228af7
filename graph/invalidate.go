package graph

// MarkChanged declares that the external inputs behind the given keys
// changed since the last build. The keys themselves recompute
// unconditionally on the next Evaluate; everything transitively depending
// on them is marked dirty and re-verified bottom-up, so a node whose
// dependency values turn out identical keeps its memoized value.
//
// Returns the number of nodes whose state was downgraded. Must not be
// called concurrently with Evaluate.
func (e *Engine) MarkChanged(keys ...Key) int {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	invalidated := 0
	var queue []string
	for _, k := range keys {
		entry, _ := e.nodes.createIfAbsent(k)
		entry.mu.Lock()
		if entry.state != StateChanged {
			entry.state = StateChanged
			invalidated++
			if m := e.opts.Metrics; m != nil {
				m.IncrementInvalidated(k.Kind())
			}
		}
		entry.mu.Unlock()
		queue = append(queue, k.String())
	}

	// Dirty propagation stops at nodes already dirty or changed: their
	// dependents were downgraded when they were.
	visited := make(map[string]struct{}, len(queue))
	for _, id := range queue {
		visited[id] = struct{}{}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, rdepID := range e.nodes.reverseDeps(id) {
			if _, ok := visited[rdepID]; ok {
				continue
			}
			visited[rdepID] = struct{}{}

			rdep := e.nodes.get(rdepID)
			if rdep == nil {
				continue
			}
			rdep.mu.Lock()
			switch rdep.state {
			case StateDone, StateVerifiedClean, StateError:
				rdep.state = StateDirty
				invalidated++
				if m := e.opts.Metrics; m != nil {
					m.IncrementInvalidated(rdep.key.Kind())
				}
				rdep.mu.Unlock()
				queue = append(queue, rdepID)
			default:
				rdep.mu.Unlock()
			}
		}
	}

	return invalidated
}

// PendingInvalidations returns the keys the next Evaluate will re-verify or
// recompute: nodes currently marked dirty or changed. Must not be called
// concurrently with Evaluate.
func (e *Engine) PendingInvalidations() []Key {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	var out []Key
	for _, entry := range e.nodes.all() {
		entry.mu.Lock()
		if entry.state == StateDirty || entry.state == StateChanged {
			out = append(out, entry.key)
		}
		entry.mu.Unlock()
	}
	return out
}
