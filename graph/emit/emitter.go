package emit

// Emitter receives and processes observability events from build execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog
//   - Distributed tracing: OpenTelemetry, Jaeger, Zipkin
//   - Analytics and dashboards
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down evaluation
//   - Thread-safe: Called concurrently from worker goroutines
//   - Resilient: Handle backend failures gracefully (never crash the build)
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit should not panic and should not block evaluation. If the
	// backend is unavailable or slow, events should be buffered, dropped
	// with internal logging, or sent asynchronously.
	Emit(event Event)
}
