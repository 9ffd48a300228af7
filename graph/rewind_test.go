package graph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// lostOnce reports a lost artifact on the first invocation and succeeds
// afterwards, simulating a remote cache eviction healed by re-execution.
type lostOnce struct {
	lost     LostArtifactsError
	reported atomic.Bool
}

func (l *lostOnce) report() error {
	if l.reported.CompareAndSwap(false, true) {
		lerr := l.lost
		return &lerr
	}
	return nil
}

func compiledArtifact(digest string, generators ...Key) Artifact {
	return Artifact{
		Path:       "out/" + digest + ".o",
		Digest:     digest,
		Kind:       ArtifactFile,
		Generators: generators,
	}
}

func TestRewind_LostInputRecovery(t *testing.T) {
	obj := NewKey("compile", "main")
	bin := NewKey("link", "app")

	compile := newCountingComputer(func(env *Environment, key Key) (any, error) {
		return "obj-bytes", nil
	})

	loss := &lostOnce{lost: LostArtifactsError{
		Lost: map[string]Artifact{"d1": compiledArtifact("d1", obj)},
	}}
	link := newCountingComputer(func(env *Environment, key Key) (any, error) {
		v, err := env.Get(obj)
		if err != nil || env.MissingDeps() {
			return nil, err
		}
		if err := loss.report(); err != nil {
			return nil, err
		}
		return "linked:" + v.(string), nil
	})

	eng, _ := New()
	mustRegister(t, eng, "compile", compile)
	mustRegister(t, eng, "link", link)

	result, err := eng.Evaluate(context.Background(), bin)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v, _ := result.Value(bin); v != "linked:obj-bytes" {
		t.Errorf("Value = %v, want linked:obj-bytes", v)
	}
	if got := compile.count(obj); got != 2 {
		t.Errorf("compile ran %d times, want 2 (initial + rewind)", got)
	}
}

func TestRewind_RepeatedLossAbortsBuild(t *testing.T) {
	obj := NewKey("compile", "main")
	bin := NewKey("link", "app")

	eng, _ := New(WithMaxRepeatedLosses(2))
	mustRegister(t, eng, "compile", ComputeFunc(func(env *Environment, key Key) (any, error) {
		return "obj-bytes", nil
	}))
	mustRegister(t, eng, "link", ComputeFunc(func(env *Environment, key Key) (any, error) {
		_, err := env.Get(obj)
		if err != nil || env.MissingDeps() {
			return nil, err
		}
		// The same digest every time: rewinding never helps.
		return nil, &LostArtifactsError{
			Lost: map[string]Artifact{"d1": compiledArtifact("d1", obj)},
		}
	}))

	_, err := eng.Evaluate(context.Background(), bin)
	if !errors.Is(err, ErrRepeatedLoss) {
		t.Fatalf("Evaluate error = %v, want ErrRepeatedLoss", err)
	}
	var rerr *RewindError
	if !errors.As(err, &rerr) {
		t.Fatalf("error %v is not a RewindError", err)
	}
	if rerr.Code != "LOST_INPUT_TOO_MANY_TIMES" {
		t.Errorf("Code = %q", rerr.Code)
	}
	if !rerr.InternalBug {
		t.Error("repeated loss not flagged as internal bug")
	}
	if rerr.Losses != 3 {
		t.Errorf("Losses = %d, want 3 (threshold 2 exceeded)", rerr.Losses)
	}
}

func TestRewind_Disabled(t *testing.T) {
	t.Run("loss is a node failure", func(t *testing.T) {
		key := NewKey("loser", "x")
		eng, _ := New(WithRewinding(false))
		mustRegister(t, eng, "loser", ComputeFunc(func(env *Environment, key Key) (any, error) {
			return nil, &LostArtifactsError{
				Lost: map[string]Artifact{"d1": compiledArtifact("d1")},
			}
		}))

		result, err := eng.Evaluate(context.Background(), key)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if kerr := result.Err(key); !errors.Is(kerr, ErrRewindingDisabled) {
			t.Errorf("error = %v, want ErrRewindingDisabled", kerr)
		}
	})

	t.Run("invocation retries degrade to build restart", func(t *testing.T) {
		key := NewKey("loser", "y")
		eng, _ := New(WithRewinding(false), WithInvocationRetries(true))
		mustRegister(t, eng, "loser", ComputeFunc(func(env *Environment, key Key) (any, error) {
			return nil, &LostArtifactsError{
				Lost: map[string]Artifact{"d1": compiledArtifact("d1")},
			}
		}))

		if _, err := eng.Evaluate(context.Background(), key); !errors.Is(err, ErrFallbackToBuildRestart) {
			t.Errorf("Evaluate error = %v, want ErrFallbackToBuildRestart", err)
		}
	})
}

// buildFailedEntry evaluates top once so the graph holds a completed build,
// then returns the top entry for direct planner calls.
func buildFailedEntry(t *testing.T, eng *Engine, top Key) *nodeEntry {
	t.Helper()
	if _, err := eng.Evaluate(context.Background(), top); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	entry := eng.nodes.get(top.String())
	if entry == nil {
		t.Fatalf("no entry for %s", top)
	}
	return entry
}

func planKeys(plan *RewindPlan) map[string]bool {
	out := make(map[string]bool, len(plan.Keys))
	for _, k := range plan.Keys {
		out[k.String()] = true
	}
	return out
}

func TestPlanner_GroupChainIncluded(t *testing.T) {
	objA := NewKey("compile", "a")
	objB := NewKey("compile", "b")
	group := NewGroupKey(objA, objB)
	bin := NewKey("link", "app")

	eng, _ := New()
	mustRegister(t, eng, "compile", ComputeFunc(func(env *Environment, key Key) (any, error) {
		return key.String(), nil
	}))
	mustRegister(t, eng, "link", ComputeFunc(func(env *Environment, key Key) (any, error) {
		v, err := env.Get(group)
		if err != nil || env.MissingDeps() {
			return nil, err
		}
		return v, nil
	}))

	failed := buildFailedEntry(t, eng, bin)
	st := &buildState{version: eng.CurrentVersion(), buildID: "test"}

	plan, err := eng.planner.planForLostInputs(st, failed, &LostArtifactsError{
		Lost: map[string]Artifact{"dA": compiledArtifact("dA", objA)},
	})
	if err != nil {
		t.Fatalf("planForLostInputs: %v", err)
	}

	keys := planKeys(plan)
	if !keys[objA.String()] {
		t.Errorf("plan %v missing generator %s", plan.Keys, objA)
	}
	if !keys[group.String()] {
		t.Errorf("plan %v missing intermediate group %s", plan.Keys, group)
	}
	if keys[objB.String()] {
		t.Errorf("plan %v includes unaffected sibling %s", plan.Keys, objB)
	}
	if keys[bin.String()] {
		t.Errorf("plan %v includes the failed node itself", plan.Keys)
	}
}

func TestPlanner_TwoLevelOwnership(t *testing.T) {
	tree := NewKey("tree", "libs")
	bundle := NewKey("bundle", "runtime")
	app := NewKey("run", "app")

	eng, _ := New()
	mustRegister(t, eng, "tree", ComputeFunc(func(env *Environment, key Key) (any, error) {
		return "tree", nil
	}))
	mustRegister(t, eng, "bundle", ComputeFunc(func(env *Environment, key Key) (any, error) {
		v, err := env.Get(tree)
		if err != nil || env.MissingDeps() {
			return nil, err
		}
		return v, nil
	}))
	mustRegister(t, eng, "run", ComputeFunc(func(env *Environment, key Key) (any, error) {
		v, err := env.Get(bundle)
		if err != nil || env.MissingDeps() {
			return nil, err
		}
		return v, nil
	}))

	failed := buildFailedEntry(t, eng, app)
	st := &buildState{version: eng.CurrentVersion(), buildID: "test"}

	// The lost file has no generator of its own; it is owned by the tree,
	// which is aggregated by the bundle, which is app's direct dependency.
	owners := NewOwnershipIndex()
	owners.AddOwner("df", tree)
	owners.AddParent(tree, bundle)

	plan, err := eng.planner.planForLostInputs(st, failed, &LostArtifactsError{
		Lost: map[string]Artifact{"df": {
			Path:   "libs/libfoo.so",
			Digest: "df",
			Kind:   ArtifactFile,
		}},
		Owners: owners,
	})
	if err != nil {
		t.Fatalf("planForLostInputs: %v", err)
	}

	keys := planKeys(plan)
	if !keys[tree.String()] || !keys[bundle.String()] {
		t.Errorf("plan %v missing ownership chain bundle -> tree", plan.Keys)
	}
	if plan.Unmapped != 0 {
		t.Errorf("Unmapped = %d, want 0", plan.Unmapped)
	}
}

func TestPlanner_UnmappableLoss(t *testing.T) {
	dep := NewKey("compile", "a")
	top := NewKey("link", "app")

	eng, _ := New()
	mustRegister(t, eng, "compile", ComputeFunc(func(env *Environment, key Key) (any, error) {
		return "x", nil
	}))
	mustRegister(t, eng, "link", ComputeFunc(func(env *Environment, key Key) (any, error) {
		v, err := env.Get(dep)
		if err != nil || env.MissingDeps() {
			return nil, err
		}
		return v, nil
	}))

	failed := buildFailedEntry(t, eng, top)
	st := &buildState{version: eng.CurrentVersion(), buildID: "test"}

	stranger := NewKey("compile", "not-a-dep")
	plan, err := eng.planner.planForLostInputs(st, failed, &LostArtifactsError{
		Lost: map[string]Artifact{"dz": compiledArtifact("dz", stranger)},
	})
	if err != nil {
		t.Fatalf("planForLostInputs: %v", err)
	}
	if plan.Unmapped != 1 {
		t.Errorf("Unmapped = %d, want 1", plan.Unmapped)
	}
	if len(plan.Keys) != 0 {
		t.Errorf("plan %v should reset nothing; the failed node re-runs alone", plan.Keys)
	}
}

func TestPlanner_LostSourceArtifact(t *testing.T) {
	dep := NewKey("compile", "a")
	top := NewKey("link", "app")

	eng, _ := New()
	mustRegister(t, eng, "compile", ComputeFunc(func(env *Environment, key Key) (any, error) {
		return "x", nil
	}))
	mustRegister(t, eng, "link", ComputeFunc(func(env *Environment, key Key) (any, error) {
		v, err := env.Get(dep)
		if err != nil || env.MissingDeps() {
			return nil, err
		}
		return v, nil
	}))

	failed := buildFailedEntry(t, eng, top)
	st := &buildState{version: eng.CurrentVersion(), buildID: "test"}

	plan, err := eng.planner.planForLostInputs(st, failed, &LostArtifactsError{
		Lost: map[string]Artifact{"ds": {
			Path:   "src/main.go",
			Digest: "ds",
			Source: true,
		}},
	})
	if err != nil {
		t.Fatalf("planForLostInputs: %v", err)
	}
	if plan.Unmapped != 1 || len(plan.Keys) != 0 {
		t.Errorf("source loss should be unmapped with nothing to reset, got Unmapped=%d Keys=%v",
			plan.Unmapped, plan.Keys)
	}
}

// archiveComputer bundles its inputs without tracking which input produced
// which byte, so rewinding any of its inputs must rewind all of them.
type archiveComputer struct {
	deps []Key
}

func (a *archiveComputer) Compute(env *Environment, key Key) (any, error) {
	values, err := env.GetAll(a.deps...)
	if err != nil || env.MissingDeps() {
		return nil, err
	}
	return values, nil
}

func (a *archiveComputer) InsensitivelyPropagates() bool { return true }

func TestPlanner_InsensitivePropagation(t *testing.T) {
	objA := NewKey("compile", "a")
	objB := NewKey("compile", "b")
	archive := NewKey("archive", "all")
	top := NewKey("deploy", "app")

	eng, _ := New()
	mustRegister(t, eng, "compile", ComputeFunc(func(env *Environment, key Key) (any, error) {
		return key.String(), nil
	}))
	mustRegister(t, eng, "archive", &archiveComputer{deps: []Key{objA, objB}})
	mustRegister(t, eng, "deploy", ComputeFunc(func(env *Environment, key Key) (any, error) {
		v, err := env.Get(archive)
		if err != nil || env.MissingDeps() {
			return nil, err
		}
		return v, nil
	}))

	failed := buildFailedEntry(t, eng, top)
	st := &buildState{version: eng.CurrentVersion(), buildID: "test"}

	plan, err := eng.planner.planForLostInputs(st, failed, &LostArtifactsError{
		Lost: map[string]Artifact{"da": compiledArtifact("da", archive)},
	})
	if err != nil {
		t.Fatalf("planForLostInputs: %v", err)
	}

	keys := planKeys(plan)
	for _, want := range []Key{archive, objA, objB} {
		if !keys[want.String()] {
			t.Errorf("plan %v missing %s (archive inputs must all rewind)", plan.Keys, want)
		}
	}
}

func TestPlanner_InsensitivePropagationThroughGroups(t *testing.T) {
	objA := NewKey("compile", "a")
	objB := NewKey("compile", "b")
	group := NewGroupKey(objA, objB)
	archive := NewKey("archive", "all")
	top := NewKey("deploy", "app")

	eng, _ := New()
	mustRegister(t, eng, "compile", ComputeFunc(func(env *Environment, key Key) (any, error) {
		return key.String(), nil
	}))
	mustRegister(t, eng, "archive", &archiveComputer{deps: []Key{group}})
	mustRegister(t, eng, "deploy", ComputeFunc(func(env *Environment, key Key) (any, error) {
		v, err := env.Get(archive)
		if err != nil || env.MissingDeps() {
			return nil, err
		}
		return v, nil
	}))

	failed := buildFailedEntry(t, eng, top)
	st := &buildState{version: eng.CurrentVersion(), buildID: "test"}

	plan, err := eng.planner.planForLostInputs(st, failed, &LostArtifactsError{
		Lost: map[string]Artifact{"da": compiledArtifact("da", archive)},
	})
	if err != nil {
		t.Fatalf("planForLostInputs: %v", err)
	}

	keys := planKeys(plan)
	for _, want := range []Key{archive, objA, objB} {
		if !keys[want.String()] {
			t.Errorf("plan %v missing %s (the members hold the embedded artifacts)", plan.Keys, want)
		}
	}
	if keys[group.String()] {
		t.Errorf("plan %v resets the aggregate instead of its members", plan.Keys)
	}
}

func TestRewindLostOutputs(t *testing.T) {
	key := NewKey("compile", "main")
	comp := newCountingComputer(func(env *Environment, key Key) (any, error) {
		return "obj-bytes", nil
	})

	eng, _ := New()
	mustRegister(t, eng, "compile", comp)

	if _, err := eng.Evaluate(context.Background(), key); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	plan, err := eng.RewindLostOutputs(context.Background(), key, &LostArtifactsError{
		Lost: map[string]Artifact{"d1": compiledArtifact("d1", key)},
	})
	if err != nil {
		t.Fatalf("RewindLostOutputs: %v", err)
	}
	if !planKeys(plan)[key.String()] {
		t.Errorf("plan %v does not reset the owner itself", plan.Keys)
	}

	result, err := eng.Evaluate(context.Background(), key)
	if err != nil {
		t.Fatalf("re-Evaluate: %v", err)
	}
	if v, _ := result.Value(key); v != "obj-bytes" {
		t.Errorf("Value = %v", v)
	}
	if got := comp.count(key); got != 2 {
		t.Errorf("compile ran %d times, want 2 (initial + after output loss)", got)
	}
}

func TestRewindPreparerHook(t *testing.T) {
	var prepared atomic.Int32
	obj := NewKey("compile", "main")
	bin := NewKey("link", "app")

	loss := &lostOnce{lost: LostArtifactsError{
		Lost: map[string]Artifact{"d1": compiledArtifact("d1", obj)},
	}}

	eng, _ := New(WithRewindPreparer(func(ctx context.Context, keys []Key) error {
		prepared.Add(1)
		if len(keys) == 0 {
			t.Error("preparer called with empty plan")
		}
		return nil
	}))
	mustRegister(t, eng, "compile", ComputeFunc(func(env *Environment, key Key) (any, error) {
		return "obj-bytes", nil
	}))
	mustRegister(t, eng, "link", ComputeFunc(func(env *Environment, key Key) (any, error) {
		v, err := env.Get(obj)
		if err != nil || env.MissingDeps() {
			return nil, err
		}
		if err := loss.report(); err != nil {
			return nil, err
		}
		return v, nil
	}))

	if _, err := eng.Evaluate(context.Background(), bin); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if prepared.Load() != 1 {
		t.Errorf("preparer called %d times, want 1", prepared.Load())
	}
}
