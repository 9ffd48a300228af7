package graph

import (
	"context"
	"time"

	"github.com/dshills/buildgraph-go/graph/emit"
	"github.com/dshills/buildgraph-go/graph/store"
)

// Option is a functional option for configuring an Engine.
//
// Functional options provide a clean, extensible API for engine configuration:
// chainable, self-documenting, and optional. Only specify the configuration
// you need.
//
// Example:
//
//	eng, err := graph.New(
//	    graph.WithMaxConcurrent(16),
//	    graph.WithRetryPolicy(graph.RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}),
//	    graph.WithMetrics(metrics),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before applying them to an Engine.
// This indirection allows validation and composition of options.
type engineConfig struct {
	opts Options
}

// RewindPreparer is invoked before a rewind plan is applied, with the keys
// about to be reset. Implementations flush any in-flight state associated
// with those keys (for example, pending remote action results) so that the
// re-evaluation starts clean. Returning an error aborts the rewind and fails
// the requesting node.
type RewindPreparer func(ctx context.Context, keys []Key) error

// Options configures engine execution behavior.
//
// The zero value is usable: sequential-friendly defaults are applied by New.
type Options struct {
	// MaxConcurrent is the number of worker goroutines evaluating nodes in
	// parallel. Default: 8.
	MaxConcurrent int

	// EvalWallClockBudget bounds one Evaluate call. Zero means no budget;
	// the caller's context still applies.
	EvalWallClockBudget time.Duration

	// RetryPolicy governs transient-error retries for node computations.
	// Nil disables retries.
	RetryPolicy *RetryPolicy

	// RewindingEnabled allows the engine to reset done nodes to recover
	// lost artifacts. Default: true. When disabled, a lost artifact is a
	// fatal error (or a build-restart fallback, see
	// InvocationRetriesEnabled).
	RewindingEnabled bool

	// InvocationRetriesEnabled indicates an outer driver will retry the
	// whole build on ErrFallbackToBuildRestart. Only consulted when
	// RewindingEnabled is false.
	InvocationRetriesEnabled bool

	// MaxRepeatedLosses is the per-build cap on how many times the same
	// (node, artifact digest) pair may be reported lost before the build
	// fails. Default: 20.
	MaxRepeatedLosses int

	// Metrics receives Prometheus observations. Nil disables metrics.
	Metrics *PrometheusMetrics

	// Emitter receives structured build events. Nil defaults to
	// emit.NullEmitter.
	Emitter emit.Emitter

	// Store persists node values across engine instances. Nil disables
	// persistence; Snapshot and Restore return an error.
	Store store.Store

	// RewindPreparer is called before each rewind plan is applied.
	RewindPreparer RewindPreparer
}

// WithMaxConcurrent sets the number of worker goroutines evaluating nodes
// in parallel.
//
// Default: 8.
//
// Tuning guidance:
// - CPU-bound computations: set to runtime.NumCPU().
// - I/O-bound computations: 10-50 depending on external service limits.
func WithMaxConcurrent(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.MaxConcurrent = n
		return nil
	}
}

// WithEvalWallClockBudget bounds the wall-clock duration of one Evaluate
// call. When the budget expires the evaluation is cancelled and Evaluate
// returns the context error.
//
// Default: 0 (no budget).
func WithEvalWallClockBudget(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.EvalWallClockBudget = d
		return nil
	}
}

// WithRetryPolicy enables automatic retries of node computations that fail
// with a transient error. The policy is validated when the engine is
// constructed.
//
// Example:
//
//	graph.WithRetryPolicy(graph.RetryPolicy{
//	    MaxAttempts: 3,
//	    BaseDelay:   100 * time.Millisecond,
//	    MaxDelay:    5 * time.Second,
//	})
func WithRetryPolicy(p RetryPolicy) Option {
	return func(cfg *engineConfig) error {
		if err := p.Validate(); err != nil {
			return err
		}
		cfg.opts.RetryPolicy = &p
		return nil
	}
}

// WithRewinding enables or disables artifact recovery by rewinding.
//
// Default: enabled. Disable only when outputs are known to be stable local
// files; with rewinding disabled a lost artifact fails the node (or the
// whole build when invocation retries are configured).
func WithRewinding(enabled bool) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.RewindingEnabled = enabled
		return nil
	}
}

// WithInvocationRetries declares that an outer driver retries the entire
// build when Evaluate fails with ErrFallbackToBuildRestart. Only consulted
// when rewinding is disabled.
func WithInvocationRetries(enabled bool) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.InvocationRetriesEnabled = enabled
		return nil
	}
}

// WithMaxRepeatedLosses sets the per-build cap on repeated losses of the
// same artifact by the same node before the build fails.
//
// Default: 20. Values below 1 are rejected.
func WithMaxRepeatedLosses(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return &EngineError{Message: "max repeated losses must be at least 1", Code: "INVALID_OPTION"}
		}
		cfg.opts.MaxRepeatedLosses = n
		return nil
	}
}

// WithMetrics attaches a Prometheus metrics collector to the engine.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = m
		return nil
	}
}

// WithEmitter attaches an event emitter for build observability.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Emitter = e
		return nil
	}
}

// WithStore attaches a persistence backend for Snapshot and Restore.
func WithStore(s store.Store) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Store = s
		return nil
	}
}

// WithRewindPreparer registers a hook invoked before each rewind plan is
// applied.
func WithRewindPreparer(p RewindPreparer) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.RewindPreparer = p
		return nil
	}
}
