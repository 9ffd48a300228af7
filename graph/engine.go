package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/buildgraph-go/graph/emit"
	"github.com/dshills/buildgraph-go/graph/store"
)

// Computer produces the value of a key from its dependencies.
//
// A Computer must be deterministic with respect to the dependency values it
// requests through the Environment, and must be side-effect-free up to its
// final dependency request: when a requested dependency is unavailable the
// engine suspends the node and re-invokes Compute from scratch once the
// dependency is ready. Compute signals suspension by returning (nil, nil)
// after Environment.MissingDeps reports true.
//
// Computers are registered per key kind with Engine.Register and may be
// invoked concurrently for different keys.
type Computer interface {
	Compute(env *Environment, key Key) (any, error)
}

// ComputeFunc adapts a plain function to the Computer interface.
type ComputeFunc func(env *Environment, key Key) (any, error)

// Compute implements Computer.
func (f ComputeFunc) Compute(env *Environment, key Key) (any, error) {
	return f(env, key)
}

// InsensitivePropagator is optionally implemented by Computers whose output
// embeds dependency artifacts without recording which dependency contributed
// which artifact (archive steps, bundlers). When a lost artifact is traced
// through such a node, the rewind planner conservatively resets all of the
// node's non-source dependencies, since it cannot tell which one produced
// the loss.
type InsensitivePropagator interface {
	InsensitivelyPropagates() bool
}

// Engine is an incremental, memoized graph evaluator.
//
// Callers register one Computer per key kind, then call Evaluate with the
// keys they need. The engine computes each reachable node at most once per
// build, memoizes values across builds, and after MarkChanged recomputes
// only the nodes whose transitive inputs actually changed.
//
// One Evaluate call runs at a time; Register, MarkChanged, Snapshot and
// Restore must not run concurrently with Evaluate.
type Engine struct {
	mu        sync.RWMutex
	computers map[string]Computer

	nodes   *nodeStore
	planner *planner
	opts    Options
	emitter emit.Emitter

	evalMu  sync.Mutex
	version atomic.Uint64
}

// New creates an Engine with the given options.
//
// Defaults: 8 concurrent workers, rewinding enabled, 20 repeated losses per
// build, no retries, no metrics, events discarded.
func New(options ...Option) (*Engine, error) {
	cfg := &engineConfig{
		opts: Options{
			MaxConcurrent:     8,
			RewindingEnabled:  true,
			MaxRepeatedLosses: 20,
		},
	}
	for _, opt := range options {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.opts.MaxConcurrent < 1 {
		cfg.opts.MaxConcurrent = 1
	}

	emitter := cfg.opts.Emitter
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	e := &Engine{
		computers: make(map[string]Computer),
		nodes:     newNodeStore(),
		opts:      cfg.opts,
		emitter:   emitter,
	}
	e.planner = newPlanner(e)
	return e, nil
}

// Register binds a Computer to a key kind. Each kind may be registered once;
// the group kind is reserved for the engine's built-in aggregate computer.
func (e *Engine) Register(kind string, c Computer) error {
	if kind == "" {
		return &EngineError{Message: "kind must not be empty", Code: "INVALID_KIND"}
	}
	if kind == GroupKeyKind {
		return &EngineError{Message: "kind " + GroupKeyKind + " is reserved", Code: "RESERVED_KIND"}
	}
	if c == nil {
		return &EngineError{Message: "computer must not be nil for kind " + kind, Code: "INVALID_KIND"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.computers[kind]; ok {
		return &EngineError{Message: "kind " + kind + " already registered", Code: "DUPLICATE_KIND"}
	}
	e.computers[kind] = c
	return nil
}

func (e *Engine) computerFor(key Key) Computer {
	if key.Kind() == GroupKeyKind {
		return groupComputer{}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.computers[key.Kind()]
}

// groupComputer evaluates a GroupKey by evaluating every member; the group's
// value is the slice of member values in declaration order.
type groupComputer struct{}

func (groupComputer) Compute(env *Environment, key Key) (any, error) {
	g, ok := key.(Grouper)
	if !ok {
		return nil, &EngineError{Message: "group key " + key.String() + " does not expose members", Code: "INVALID_KEY"}
	}
	values, err := env.GetAll(g.Members()...)
	if err != nil {
		return nil, err
	}
	if env.MissingDeps() {
		return nil, nil
	}
	return values, nil
}

// buildState carries the per-build scheduling state of one Evaluate call.
type buildState struct {
	version uint64
	buildID string

	ctx    context.Context
	cancel context.CancelFunc

	frontier *frontier

	// pending counts entries that are queued or being processed. When it
	// drains to zero the build has quiesced and the frontier is closed.
	pending atomic.Int64
	running atomic.Int64

	topIDs []string

	fatalMu sync.Mutex
	fatal   error
}

func (st *buildState) setFatal(err error) {
	st.fatalMu.Lock()
	if st.fatal == nil {
		st.fatal = err
	}
	st.fatalMu.Unlock()
	st.cancel()
}

func (st *buildState) fatalErr() error {
	st.fatalMu.Lock()
	defer st.fatalMu.Unlock()
	return st.fatal
}

// Result holds the outcome of one Evaluate call for the requested keys.
// Per-key failures live here; Evaluate itself errors only on build-level
// failures (cancellation, quiescence without progress, cycles, fatal rewind
// conditions).
type Result struct {
	// BuildID uniquely identifies the build.
	BuildID string

	// Version is the build's version stamp.
	Version uint64

	keys   []Key
	values map[string]any
	errs   map[string]error
}

// Value returns the computed value for a requested key. The second result
// is false when the key was not requested or did not complete successfully.
func (r *Result) Value(key Key) (any, bool) {
	v, ok := r.values[key.String()]
	return v, ok
}

// Err returns the failure for a requested key, or nil.
func (r *Result) Err(key Key) error {
	return r.errs[key.String()]
}

// Failed returns the requested keys that ended in error, in request order.
func (r *Result) Failed() []Key {
	var out []Key
	for _, k := range r.keys {
		if r.errs[k.String()] != nil {
			out = append(out, k)
		}
	}
	return out
}

// Evaluate computes the values of the given keys, reusing memoized values
// from prior builds where their transitive inputs are unchanged.
//
// Per-key failures are reported in the Result; Evaluate returns a non-nil
// error only when the whole build failed:
//   - ctx cancelled or wall-clock budget exceeded
//   - ErrNoProgress: quiescence with requested keys incomplete
//   - CycleError: a dependency request closed a cycle
//   - ErrRepeatedLoss (wrapped): rewinding thrashed on one artifact
//   - ErrFallbackToBuildRestart: lost artifact with rewinding disabled and
//     invocation retries configured
func (e *Engine) Evaluate(ctx context.Context, keys ...Key) (*Result, error) {
	if len(keys) == 0 {
		return nil, &EngineError{Message: "no keys requested", Code: "NO_KEYS"}
	}

	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	version := e.version.Add(1)

	evalCtx := ctx
	var cancel context.CancelFunc
	if e.opts.EvalWallClockBudget > 0 {
		evalCtx, cancel = context.WithTimeout(ctx, e.opts.EvalWallClockBudget)
	} else {
		evalCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	st := &buildState{
		version:  version,
		buildID:  uuid.NewString(),
		ctx:      evalCtx,
		cancel:   cancel,
		frontier: newFrontier(),
	}
	e.planner.resetBuildState()

	e.emit(st, "", "build_start", map[string]interface{}{"keys": len(keys)})

	entries := make([]*nodeEntry, len(keys))
	for i, k := range keys {
		entry, _ := e.nodes.createIfAbsent(k)
		entries[i] = entry
		st.topIDs = append(st.topIDs, k.String())
		e.schedule(st, entry)
	}

	g, gctx := errgroup.WithContext(evalCtx)
	for i := 0; i < e.opts.MaxConcurrent; i++ {
		g.Go(func() error {
			return e.worker(gctx, st)
		})
	}
	werr := g.Wait()

	if fatal := st.fatalErr(); fatal != nil {
		e.emit(st, "", "build_done", map[string]interface{}{"error": fatal.Error()})
		return nil, fatal
	}
	if werr != nil {
		e.emit(st, "", "build_done", map[string]interface{}{"error": werr.Error()})
		return nil, werr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{
		BuildID: st.buildID,
		Version: version,
		keys:    keys,
		values:  make(map[string]any),
		errs:    make(map[string]error),
	}
	incomplete := 0
	for i, k := range keys {
		entry := entries[i]
		entry.mu.Lock()
		switch {
		case entry.state == StateError:
			result.errs[k.String()] = entry.err
		case entry.usable():
			result.values[k.String()] = entry.value
		default:
			incomplete++
		}
		entry.mu.Unlock()
	}

	e.planner.finishBuild(st)
	e.emit(st, "", "build_done", map[string]interface{}{
		"completed": len(keys) - incomplete,
		"failed":    len(result.errs),
	})

	if e.opts.Store != nil {
		rec := store.BuildRecord{
			BuildID:    st.buildID,
			Version:    version,
			TopKeys:    st.topIDs,
			FinishedAt: time.Now(),
		}
		if err := e.opts.Store.SaveBuild(ctx, rec); err != nil {
			e.emit(st, "", "build_record_error", map[string]interface{}{"error": err.Error()})
		}
	}

	if incomplete > 0 {
		return result, fmt.Errorf("%w: %d of %d requested keys incomplete", ErrNoProgress, incomplete, len(keys))
	}
	return result, nil
}

func (e *Engine) worker(ctx context.Context, st *buildState) error {
	for {
		entry, ok := st.frontier.next(ctx)
		if !ok {
			return ctx.Err()
		}

		if m := e.opts.Metrics; m != nil {
			m.UpdateInflightEvaluations(int(st.running.Add(1)))
			m.UpdateQueueDepth(st.frontier.depth())
		}

		e.process(ctx, st, entry)

		if m := e.opts.Metrics; m != nil {
			m.UpdateInflightEvaluations(int(st.running.Add(-1)))
		}
		if st.pending.Add(-1) == 0 {
			st.frontier.close()
		}
	}
}

// process advances one entry: completed entries only notify dependents,
// dirty entries take the verification path, everything else computes.
//
// An entry is claimed via its running flag before any computation starts.
// Duplicate pops of an in-flight entry are dropped here; the requester that
// caused the duplicate is parked on the entry and woken by signalDependents
// when the owning worker commits.
func (e *Engine) process(ctx context.Context, st *buildState, entry *nodeEntry) {
	entry.mu.Lock()
	entry.queued = false
	if entry.running {
		entry.mu.Unlock()
		return
	}
	if entry.usable() {
		entry.mu.Unlock()
		e.signalDependents(st, entry)
		return
	}
	entry.running = true
	state := entry.state
	entry.mu.Unlock()

	if state == StateDirty {
		e.verifyDirty(ctx, st, entry)
		return
	}
	e.computeNode(ctx, st, entry)
}

// verifyDirty checks whether any recorded dependency of a dirty entry
// actually changed since the entry was last computed. Unchanged entries are
// marked verified-clean and keep their value without recomputation.
func (e *Engine) verifyDirty(ctx context.Context, st *buildState, entry *nodeEntry) {
	entry.mu.Lock()
	depKeys := entry.snapshotDepKeys()
	prevVersion := entry.version
	entry.mu.Unlock()

	var missing []*nodeEntry
	depsChanged := false
	for _, dk := range depKeys {
		dep, _ := e.nodes.createIfAbsent(dk)
		dep.mu.Lock()
		usable := dep.usable()
		failed := dep.state == StateError
		changedAt := dep.changedAt
		dep.mu.Unlock()

		if !usable {
			missing = append(missing, dep)
			e.schedule(st, dep)
			continue
		}
		if failed || changedAt > prevVersion {
			depsChanged = true
		}
	}

	if len(missing) > 0 {
		e.park(st, entry, missing)
		return
	}
	if depsChanged {
		e.computeNode(ctx, st, entry)
		return
	}

	entry.mu.Lock()
	if entry.err != nil {
		// A failed node with unchanged deps fails the same way again; keep
		// the recorded error instead of recomputing.
		entry.state = StateError
	} else {
		entry.state = StateVerifiedClean
	}
	entry.version = st.version
	entry.running = false
	entry.mu.Unlock()

	e.emit(st, entry.key.String(), "node_verified_clean", nil)
	e.signalDependents(st, entry)
}

func (e *Engine) computeNode(ctx context.Context, st *buildState, entry *nodeEntry) {
	comp := e.computerFor(entry.key)
	if comp == nil {
		e.commitError(st, entry, &NodeError{
			Key:   entry.key,
			Cause: fmt.Errorf("%w: %s", ErrNotRegistered, entry.key.Kind()),
		})
		return
	}

	entry.mu.Lock()
	if entry.state != StateEvaluating {
		// First invocation at this version: drop the previous dependency
		// set. A parked restart keeps its accumulated deps instead, since
		// the computation will re-request them.
		oldDeps := entry.clearDeps()
		entry.state = StateEvaluating
		entry.attempts = 0
		entry.mu.Unlock()
		id := entry.key.String()
		for _, depID := range oldDeps {
			e.nodes.removeReverseEdge(id, depID)
		}
		entry.mu.Lock()
	}
	prevValue := entry.value
	hadValue := entry.version > 0 && entry.err == nil
	entry.mu.Unlock()

	env := &Environment{ctx: ctx, eng: e, st: st, entry: entry}
	start := time.Now()
	value, err := comp.Compute(env, entry.key)
	elapsed := time.Since(start)

	if env.fatal != nil {
		// A cycle is a graph-construction bug, not a per-node failure: abort
		// the whole build so the caller sees the chain, not a subtree error.
		var cerr *CycleError
		if errors.As(env.fatal, &cerr) {
			st.setFatal(env.fatal)
		}
		e.commitError(st, entry, env.fatal)
		return
	}

	var lost *LostArtifactsError
	if errors.As(err, &lost) {
		e.handleLostInputs(ctx, st, entry, lost, elapsed)
		return
	}
	if err != nil {
		e.handleComputeError(ctx, st, entry, err, elapsed)
		return
	}
	if env.MissingDeps() {
		e.park(st, entry, env.missing)
		return
	}

	changed := !hadValue || !valuesEqual(prevValue, value)
	e.nodes.setValue(entry, value, st.version, changed)

	if m := e.opts.Metrics; m != nil {
		m.RecordEvalLatency(entry.key.Kind(), elapsed, "success")
	}
	e.emit(st, entry.key.String(), "node_computed", map[string]interface{}{
		"duration_ms": elapsed.Milliseconds(),
		"changed":     changed,
	})
	e.signalDependents(st, entry)
}

func (e *Engine) handleComputeError(ctx context.Context, st *buildState, entry *nodeEntry, err error, elapsed time.Duration) {
	if m := e.opts.Metrics; m != nil {
		m.RecordEvalLatency(entry.key.Kind(), elapsed, "error")
	}

	policy := e.opts.RetryPolicy
	if policy != nil && policy.Retryable != nil && policy.Retryable(err) {
		entry.mu.Lock()
		entry.attempts++
		attempts := entry.attempts
		entry.mu.Unlock()

		if attempts < policy.MaxAttempts {
			if m := e.opts.Metrics; m != nil {
				m.IncrementRetries(entry.key.Kind(), "transient")
			}
			if delay := computeBackoff(attempts, policy.BaseDelay, policy.MaxDelay, nil); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					e.release(entry)
					return
				case <-timer.C:
				}
			}
			e.release(entry)
			e.schedule(st, entry)
			return
		}

		e.commitError(st, entry, &NodeError{
			Key:       entry.key,
			Transient: true,
			Cause:     fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, attempts, err),
		})
		return
	}

	e.commitError(st, entry, &NodeError{Key: entry.key, Cause: err})
}

// handleLostInputs intercepts a LostArtifactsError from a computation,
// plans a rewind of the nodes that can regenerate the lost artifacts,
// applies it, and re-enqueues the failed entry. Planning failures commit as
// the entry's own error; thrash conditions abort the build.
func (e *Engine) handleLostInputs(ctx context.Context, st *buildState, entry *nodeEntry, lost *LostArtifactsError, elapsed time.Duration) {
	if m := e.opts.Metrics; m != nil {
		m.AddLostArtifacts(len(lost.Lost))
		m.RecordEvalLatency(entry.key.Kind(), elapsed, "lost")
	}
	e.emit(st, entry.key.String(), "lost_artifacts", map[string]interface{}{"lost": len(lost.Lost)})

	plan, err := e.planner.planForLostInputs(st, entry, lost)
	if err != nil {
		if errors.Is(err, ErrRepeatedLoss) || errors.Is(err, ErrFallbackToBuildRestart) {
			st.setFatal(err)
		}
		e.commitError(st, entry, &NodeError{Key: entry.key, Cause: err})
		return
	}

	if err := e.applyRewind(ctx, st, plan, "lost_input"); err != nil {
		e.commitError(st, entry, &NodeError{Key: entry.key, Cause: err})
		return
	}
	e.release(entry)
	e.schedule(st, entry)
}

// release drops a worker's claim on an entry ahead of a re-enqueue, so the
// next pop is not mistaken for a duplicate of a still-running computation.
func (e *Engine) release(entry *nodeEntry) {
	entry.mu.Lock()
	entry.running = false
	entry.mu.Unlock()
}

// applyRewind resets every plan node that holds a finished value back to
// the must-recompute state. Nodes already dirty or in flight are left
// alone; the reset is idempotent.
func (e *Engine) applyRewind(ctx context.Context, st *buildState, plan *RewindPlan, reason string) error {
	if prep := e.opts.RewindPreparer; prep != nil {
		if err := prep(ctx, plan.Keys); err != nil {
			return fmt.Errorf("rewind preparation failed: %w", err)
		}
	}

	reset := 0
	for _, k := range plan.Keys {
		entry := e.nodes.get(k.String())
		if entry == nil {
			continue
		}
		entry.mu.Lock()
		switch entry.state {
		case StateDone, StateVerifiedClean, StateError, StateDirty:
			entry.state = StateChanged
			entry.err = nil
			reset++
		}
		entry.mu.Unlock()
	}

	if m := e.opts.Metrics; m != nil {
		m.IncrementRewinds(reason)
	}
	e.emit(st, plan.Failed.String(), "rewind_planned", map[string]interface{}{
		"reason":  reason,
		"planned": len(plan.Keys),
		"reset":   reset,
	})
	return nil
}

// commitError records a permanent failure for the entry at the current
// version and wakes dependents, which observe the error through Get.
func (e *Engine) commitError(st *buildState, entry *nodeEntry, err error) {
	entry.mu.Lock()
	entry.err = err
	entry.value = nil
	entry.state = StateError
	entry.version = st.version
	entry.changedAt = st.version
	entry.parked = false
	entry.pendingDeps = 0
	entry.running = false
	entry.mu.Unlock()

	e.emit(st, entry.key.String(), "node_error", map[string]interface{}{"error": err.Error()})
	e.signalDependents(st, entry)
}

// park suspends an entry until the missing dependencies reach a terminal
// state. Dependencies that completed while the computation was running are
// signalled immediately; a spurious wakeup only causes a harmless re-run.
func (e *Engine) park(st *buildState, entry *nodeEntry, missing []*nodeEntry) {
	seen := make(map[string]struct{}, len(missing))
	deduped := missing[:0]
	for _, dep := range missing {
		id := dep.key.String()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		deduped = append(deduped, dep)
	}

	entry.mu.Lock()
	entry.parked = true
	entry.pendingDeps = len(deduped)
	entry.running = false
	entry.mu.Unlock()

	for _, dep := range deduped {
		dep.mu.Lock()
		usable := dep.usable()
		dep.mu.Unlock()
		if usable {
			e.signalOne(st, entry)
		}
	}
}

// signalOne notifies a parked entry that one of its dependencies finished.
// The entry is re-enqueued once all its pending dependencies have reported.
func (e *Engine) signalOne(st *buildState, entry *nodeEntry) {
	entry.mu.Lock()
	if !entry.parked {
		entry.mu.Unlock()
		return
	}
	if entry.pendingDeps > 0 {
		entry.pendingDeps--
	}
	ready := entry.pendingDeps == 0
	if ready {
		entry.parked = false
	}
	entry.mu.Unlock()

	if ready {
		e.schedule(st, entry)
	}
}

func (e *Engine) signalDependents(st *buildState, entry *nodeEntry) {
	for _, id := range e.nodes.reverseDeps(entry.key.String()) {
		if dep := e.nodes.get(id); dep != nil {
			e.signalOne(st, dep)
		}
	}
}

// schedule enqueues an entry into the build's frontier, deduplicating
// concurrent requests via the queued flag.
func (e *Engine) schedule(st *buildState, entry *nodeEntry) {
	entry.mu.Lock()
	if entry.queued {
		entry.mu.Unlock()
		return
	}
	entry.queued = true
	entry.mu.Unlock()

	st.pending.Add(1)
	st.frontier.push(entry)
	if m := e.opts.Metrics; m != nil {
		m.UpdateQueueDepth(st.frontier.depth())
	}
}

// declareDep records the dependency edge from -> to, rejecting edges that
// would close a cycle.
func (e *Engine) declareDep(from, to *nodeEntry) error {
	fromID := from.key.String()
	toID := to.key.String()

	from.mu.Lock()
	_, exists := from.depSet[toID]
	from.mu.Unlock()
	if exists {
		return nil
	}

	if path, found := e.nodes.dependsOn(toID, fromID); found {
		chain := make([]Key, 0, len(path)+1)
		chain = append(chain, from.key)
		for _, id := range path {
			if entry := e.nodes.get(id); entry != nil {
				chain = append(chain, entry.key)
			}
		}
		return &CycleError{Chain: chain}
	}

	e.nodes.addEdge(from, to)
	return nil
}

func (e *Engine) emit(st *buildState, key, msg string, meta map[string]interface{}) {
	e.emitter.Emit(emit.Event{
		BuildID: st.buildID,
		Version: st.version,
		Key:     key,
		Msg:     msg,
		Meta:    meta,
	})
}

// CurrentVersion returns the version stamp of the most recent build, or
// zero before the first Evaluate.
func (e *Engine) CurrentVersion() uint64 {
	return e.version.Load()
}

// NodeCount returns the number of keys the engine has ever evaluated or
// referenced.
func (e *Engine) NodeCount() int {
	return e.nodes.len()
}
