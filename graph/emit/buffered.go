package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// This emitter captures all events and provides query capabilities for
// build history analysis. Events are organized by buildID for efficient
// retrieval and filtering.
//
// Features:
//   - Thread-safe concurrent access
//   - Query by buildID with optional filtering
//   - Filter by key, message, version range
//   - Clear events by buildID or all events
//
// Warning: all events are held in memory. For long-lived engines with many
// builds, clear completed builds or use a log-based emitter instead.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	eng, _ := graph.New(graph.WithEmitter(emitter))
//
//	result, _ := eng.Evaluate(ctx, target)
//
//	all := emitter.GetHistory(result.BuildID)
//	rewinds := emitter.GetHistoryWithFilter(result.BuildID, emit.HistoryFilter{Msg: "rewind_planned"})
//
//	emitter.Clear(result.BuildID)
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // buildID -> events
}

// HistoryFilter specifies criteria for filtering build history.
//
// All filter fields are optional. When multiple fields are set, they are
// combined with AND logic (all conditions must match).
type HistoryFilter struct {
	Key        string  // Filter by node key (empty = no filter)
	Msg        string  // Filter by message (empty = no filter)
	MinVersion *uint64 // Minimum version stamp (nil = no filter)
	MaxVersion *uint64 // Maximum version stamp (nil = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
//
// Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer, organized by buildID.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.BuildID] = append(b.events[event.BuildID], event)
}

// GetHistory retrieves all events for a specific buildID in emission order.
// Returns an empty slice if no events exist for the build.
//
// The returned slice is a copy; callers may modify it freely.
func (b *BufferedEmitter) GetHistory(buildID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[buildID]
	if events == nil {
		return []Event{}
	}

	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter retrieves events for a buildID that match the filter.
// All set filter conditions must match (AND logic). Returns an empty slice
// if nothing matches.
func (b *BufferedEmitter) GetHistoryWithFilter(buildID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[buildID]
	if events == nil {
		return []Event{}
	}

	if filter.Key == "" && filter.Msg == "" && filter.MinVersion == nil && filter.MaxVersion == nil {
		result := make([]Event, len(events))
		copy(result, events)
		return result
	}

	var result []Event
	for _, event := range events {
		if !matchesFilter(event, filter) {
			continue
		}
		result = append(result, event)
	}

	if result == nil {
		return []Event{}
	}
	return result
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.Key != "" && event.Key != filter.Key {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinVersion != nil && event.Version < *filter.MinVersion {
		return false
	}
	if filter.MaxVersion != nil && event.Version > *filter.MaxVersion {
		return false
	}
	return true
}

// Clear removes stored events. If buildID is non-empty, clears only that
// build; an empty buildID clears everything.
func (b *BufferedEmitter) Clear(buildID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if buildID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, buildID)
	}
}
