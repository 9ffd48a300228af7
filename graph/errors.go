// Package graph provides the incremental graph evaluation engine for BuildGraph-Go.
package graph

import "errors"

// ErrRewindingDisabled is returned when a lost artifact is reported but the
// engine was not configured with WithRewinding(true). Recovery by selective
// re-execution is not permitted; the caller must treat the loss as a hard
// failure.
var ErrRewindingDisabled = errors.New("rewinding disabled: lost artifacts cannot be recovered")

// ErrFallbackToBuildRestart is returned instead of ErrRewindingDisabled when
// rewinding is disabled but invocation-level retries are enabled. It signals
// that the caller may recover by restarting the whole build rather than
// aborting outright.
var ErrFallbackToBuildRestart = errors.New("rewinding disabled: fall back to whole-build restart")

// ErrRepeatedLoss is returned when the same (failed key, artifact digest)
// pair is reported lost more times than MaxRepeatedLosses allows in one
// build. This is a fatal condition: rewinding has proven ineffective and
// further attempts would thrash indefinitely.
var ErrRepeatedLoss = errors.New("artifact lost too many times: rewinding was ineffective")

// ErrNoProgress is returned when the evaluator reaches quiescence (no queued
// work, no in-flight evaluations) while requested keys are still incomplete.
// This indicates parked computations whose dependencies will never finish.
// Common causes:
// - A computation suspended on keys that were never scheduled.
// - A rewind reset applied mid-evaluation without re-requesting the key.
var ErrNoProgress = errors.New("no progress: no runnable nodes remain")

// ErrMaxAttemptsExceeded is returned when a computation fails with transient
// errors more times than its retry policy allows. The last transient error
// is attached as the cause.
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// ErrNotRegistered is returned when evaluation reaches a key whose kind has
// no registered computer.
var ErrNotRegistered = errors.New("no computer registered for key kind")

// ErrInvalidRetryPolicy indicates a retry policy with impossible settings,
// such as MaxAttempts < 1 or MaxDelay < BaseDelay.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy configuration")

// EngineError represents a configuration or orchestration error raised by
// the engine itself, as opposed to a failure inside a node computation.
//
// Code identifies the error class for programmatic handling, for example
// "INVALID_OPTION", "DUPLICATE_KIND", or "NO_STORE".
type EngineError struct {
	Message string
	Code    string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// CycleError is a fatal evaluation error reporting a dependency cycle.
//
// Cycles are always graph-construction bugs, never retried. The Chain holds
// the full key path from the requesting node back to itself, in dependency
// order, so the offending edge can be identified.
type CycleError struct {
	// Chain is the cycle path. Chain[0] and Chain[len-1] are the same key.
	Chain []Key
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	msg := "dependency cycle detected: "
	for i, k := range e.Chain {
		if i > 0 {
			msg += " -> "
		}
		msg += k.String()
	}
	return msg
}

// RewindError carries structured detail about a failed rewind plan.
//
// Code identifies the failure class for programmatic handling:
//   - "LOST_INPUT_TOO_MANY_TIMES"
//   - "LOST_OUTPUT_TOO_MANY_TIMES"
//   - "LOST_INPUT_REWINDING_DISABLED"
//   - "LOST_OUTPUT_REWINDING_DISABLED"
//
// InternalBug marks repetition patterns the design asserts should be
// impossible (the same computation losing the same input repeatedly without
// its generator re-running in between); these warrant a bug report.
type RewindError struct {
	Code        string
	Message     string
	Losses      int
	InternalBug bool
	Cause       error
}

// Error implements the error interface.
func (e *RewindError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the sentinel cause for errors.Is matching.
func (e *RewindError) Unwrap() error {
	return e.Cause
}

// NodeError wraps a computation failure with the originating key.
//
// Permanent node errors propagate to every transitive dependent as the
// dependent's own failure; Unwrap allows errors.Is/As against the original
// cause from any level of the dependent subtree.
type NodeError struct {
	// Key is the node whose computation failed.
	Key Key

	// Transient marks errors that were retried and exhausted their policy,
	// or that a policy classified as retryable.
	Transient bool

	// Cause is the underlying computation error.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return "node " + e.Key.String() + ": " + e.Cause.Error()
}

// Unwrap returns the underlying cause error.
func (e *NodeError) Unwrap() error {
	return e.Cause
}
