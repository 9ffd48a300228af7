package emit

// NullEmitter implements Emitter by discarding all events.
//
// This is the default emitter when none is configured. It implements the
// Emitter interface but does nothing with emitted events.
//
// Use cases:
//   - Deployments where observability overhead is unwanted
//   - Tests that do not assert on events
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
//
// Safe for concurrent use with zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event without any processing.
func (n *NullEmitter) Emit(event Event) {
	// No-op: discard the event
}
