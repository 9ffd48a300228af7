package emit

// Event represents an observability event emitted during an incremental
// build.
//
// Events provide detailed insight into evaluation behavior:
//   - Node computation start/commit
//   - Memoization hits and dirty-node verification
//   - Lost artifact reports and rewind plans
//   - Invalidation waves
//   - Build start/finish with summary statistics
//
// Events are emitted to an Emitter which can log to stdout, send spans to
// OpenTelemetry, or buffer history for debugging.
type Event struct {
	// BuildID identifies the build (one Evaluate call) that emitted this
	// event.
	BuildID string

	// Version is the engine version stamp of the build. Monotonic across
	// builds of one engine instance.
	Version uint64

	// Key identifies the node this event concerns, in "kind/name" form.
	// Empty string for build-level events (build_start, build_done).
	Key string

	// Msg is a short machine-matchable event name, for example
	// "node_computed", "node_verified_clean", "rewind_planned",
	// "lost_artifacts".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Computation duration in milliseconds
	//   - "error": Error details
	//   - "lost": Number of lost artifacts in a report
	//   - "rewound": Number of nodes reset by a rewind plan
	//   - "attempt": Retry attempt number
	Meta map[string]interface{}
}
