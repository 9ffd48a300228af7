package graph

import (
	"context"
	"sync"
	"testing"
)

// chainFixture wires src -> parse -> report, where parse derives a value
// from the mutable source and report derives from parse. The source is a
// plain variable so tests can change the external input between builds.
type chainFixture struct {
	mu     sync.Mutex
	source string

	src    Key
	parse  Key
	report Key

	srcComp    *countingComputer
	parseComp  *countingComputer
	reportComp *countingComputer
	eng        *Engine
}

func newChainFixture(t *testing.T) *chainFixture {
	t.Helper()
	f := &chainFixture{
		source: "alpha",
		src:    NewKey("src", "input.txt"),
		parse:  NewKey("parse", "input"),
		report: NewKey("report", "summary"),
	}

	f.srcComp = newCountingComputer(func(env *Environment, key Key) (any, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.source, nil
	})
	f.parseComp = newCountingComputer(func(env *Environment, key Key) (any, error) {
		v, err := env.Get(f.src)
		if err != nil || env.MissingDeps() {
			return nil, err
		}
		// Length only: different source text of the same length parses to
		// the same value, which exercises the unchanged-value cutoff.
		return len(v.(string)), nil
	})
	f.reportComp = newCountingComputer(func(env *Environment, key Key) (any, error) {
		v, err := env.Get(f.parse)
		if err != nil || env.MissingDeps() {
			return nil, err
		}
		return v.(int) * 10, nil
	})

	eng, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustRegister(t, eng, "src", f.srcComp)
	mustRegister(t, eng, "parse", f.parseComp)
	mustRegister(t, eng, "report", f.reportComp)
	f.eng = eng
	return f
}

func (f *chainFixture) setSource(s string) {
	f.mu.Lock()
	f.source = s
	f.mu.Unlock()
}

func (f *chainFixture) build(t *testing.T) *Result {
	t.Helper()
	result, err := f.eng.Evaluate(context.Background(), f.report)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return result
}

func TestMarkChanged(t *testing.T) {
	t.Run("changed input recomputes the chain", func(t *testing.T) {
		f := newChainFixture(t)

		result := f.build(t)
		if v, _ := result.Value(f.report); v != 50 {
			t.Fatalf("report = %v, want 50", v)
		}

		f.setSource("beta-long")
		if n := f.eng.MarkChanged(f.src); n != 3 {
			t.Errorf("MarkChanged invalidated %d nodes, want 3", n)
		}

		result = f.build(t)
		if v, _ := result.Value(f.report); v != 90 {
			t.Errorf("report = %v, want 90", v)
		}
		if got := f.srcComp.count(f.src); got != 2 {
			t.Errorf("src computed %d times, want 2", got)
		}
		if got := f.reportComp.count(f.report); got != 2 {
			t.Errorf("report computed %d times, want 2", got)
		}
	})

	t.Run("unchanged value cuts off downstream recomputation", func(t *testing.T) {
		f := newChainFixture(t)
		f.build(t)

		// Different text, same length: parse recomputes to an identical
		// value, so report must not recompute.
		f.setSource("bravo")
		f.eng.MarkChanged(f.src)

		result := f.build(t)
		if v, _ := result.Value(f.report); v != 50 {
			t.Errorf("report = %v, want 50", v)
		}
		if got := f.parseComp.count(f.parse); got != 2 {
			t.Errorf("parse computed %d times, want 2", got)
		}
		if got := f.reportComp.count(f.report); got != 1 {
			t.Errorf("report computed %d times, want 1 (unchanged dep)", got)
		}
	})

	t.Run("untouched input recomputes nothing", func(t *testing.T) {
		f := newChainFixture(t)
		f.build(t)
		f.build(t)

		if got := f.srcComp.count(f.src); got != 1 {
			t.Errorf("src computed %d times, want 1", got)
		}
		if got := f.reportComp.count(f.report); got != 1 {
			t.Errorf("report computed %d times, want 1", got)
		}
	})

	t.Run("marking an unrelated key leaves siblings alone", func(t *testing.T) {
		f := newChainFixture(t)
		f.build(t)

		other := NewKey("src", "other.txt")
		n := f.eng.MarkChanged(other)
		if n != 1 {
			t.Errorf("MarkChanged = %d, want 1", n)
		}

		f.build(t)
		if got := f.parseComp.count(f.parse); got != 1 {
			t.Errorf("parse computed %d times after unrelated change, want 1", got)
		}
	})

	t.Run("repeated marks count once", func(t *testing.T) {
		f := newChainFixture(t)
		f.build(t)

		first := f.eng.MarkChanged(f.src)
		second := f.eng.MarkChanged(f.src)
		if first != 3 || second != 0 {
			t.Errorf("MarkChanged = %d then %d, want 3 then 0", first, second)
		}
	})

	t.Run("pending invalidations lists the downgraded set", func(t *testing.T) {
		f := newChainFixture(t)
		f.build(t)

		if pending := f.eng.PendingInvalidations(); len(pending) != 0 {
			t.Errorf("pending after clean build = %v", pending)
		}

		f.eng.MarkChanged(f.src)
		pending := f.eng.PendingInvalidations()
		if len(pending) != 3 {
			t.Fatalf("pending = %d keys, want 3", len(pending))
		}
		ids := make(map[string]bool, len(pending))
		for _, k := range pending {
			ids[k.String()] = true
		}
		for _, k := range []Key{f.src, f.parse, f.report} {
			if !ids[k.String()] {
				t.Errorf("pending set missing %s", k)
			}
		}

		f.build(t)
		if pending := f.eng.PendingInvalidations(); len(pending) != 0 {
			t.Errorf("pending after rebuild = %v", pending)
		}
	})
}
