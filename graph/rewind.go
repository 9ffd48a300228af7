package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const (
	// maxLossEventsRecorded caps how many loss events one build samples for
	// the end-of-build stats.
	maxLossEventsRecorded = 5

	// maxLostPerEvent caps how many digests one sampled event records.
	maxLostPerEvent = 5
)

// RewindPlan names the nodes to reset so that re-executing them regenerates
// a set of lost artifacts.
type RewindPlan struct {
	// Failed is the node that reported the loss. For lost inputs it is not
	// part of Keys: the engine re-enqueues it separately and it recomputes
	// in place. For lost outputs it is included, since the reporting node
	// itself must re-execute.
	Failed Key

	// Keys are the nodes to reset, in discovery order.
	Keys []Key

	// Graph records the dependency paths used to select Keys, for
	// diagnostics.
	Graph *RewindGraph

	// Unmapped counts lost artifacts whose regenerating node could not be
	// determined. When every artifact is unmapped the plan degrades to
	// re-running the failed node alone.
	Unmapped int
}

type lossKey struct {
	failed string
	digest string
}

type lossEvent struct {
	failed  string
	digests []string
}

// planner tracks artifact losses within one build and turns loss reports
// into rewind plans.
//
// Loss counts are a multiset over (failed key, digest): the same node
// losing the same artifact repeatedly means rewinding is not helping, and
// past a threshold the build aborts rather than thrash forever. Counts
// reset at the start of each build.
type planner struct {
	eng *Engine

	mu           sync.Mutex
	lostInputs   map[lossKey]int
	lostOutputs  map[lossKey]int
	inputEvents  []lossEvent
	outputEvents []lossEvent
	totalLost    int
	plansBuilt   int
}

func newPlanner(eng *Engine) *planner {
	return &planner{
		eng:         eng,
		lostInputs:  make(map[lossKey]int),
		lostOutputs: make(map[lossKey]int),
	}
}

// resetBuildState clears per-build loss accounting.
func (p *planner) resetBuildState() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lostInputs = make(map[lossKey]int)
	p.lostOutputs = make(map[lossKey]int)
	p.inputEvents = nil
	p.outputEvents = nil
	p.totalLost = 0
	p.plansBuilt = 0
}

// finishBuild emits a summary event when the build saw any losses.
func (p *planner) finishBuild(st *buildState) {
	p.mu.Lock()
	totalLost := p.totalLost
	plans := p.plansBuilt
	events := make([]lossEvent, len(p.inputEvents))
	copy(events, p.inputEvents)
	p.mu.Unlock()

	if totalLost == 0 {
		return
	}

	sampled := make([]map[string]interface{}, 0, len(events))
	for _, ev := range events {
		sampled = append(sampled, map[string]interface{}{
			"key":  ev.failed,
			"lost": ev.digests,
		})
	}
	p.eng.emit(st, "", "rewind_stats", map[string]interface{}{
		"lost_artifacts": totalLost,
		"plans":          plans,
		"sampled_events": sampled,
	})
}

// checkEnabled decides how a loss report fails when rewinding is off.
// With invocation retries the whole build restarts; without them the loss
// is a hard failure for the reporting node.
func (p *planner) checkEnabled(codePrefix string, lost *LostArtifactsError) error {
	if p.eng.opts.RewindingEnabled {
		return nil
	}
	if p.eng.opts.InvocationRetriesEnabled {
		return &RewindError{
			Code:    codePrefix + "_REWINDING_DISABLED",
			Message: lost.Error(),
			Cause:   ErrFallbackToBuildRestart,
		}
	}
	return &RewindError{
		Code:    codePrefix + "_REWINDING_DISABLED",
		Message: lost.Error(),
		Cause:   ErrRewindingDisabled,
	}
}

// recordLosses bumps the multiset counts for this report and returns the
// highest count seen for any single artifact.
func recordLosses(counts map[lossKey]int, failedID string, lost *LostArtifactsError) int {
	maxCount := 0
	for digest := range lost.Lost {
		counts[lossKey{failed: failedID, digest: digest}]++
		if c := counts[lossKey{failed: failedID, digest: digest}]; c > maxCount {
			maxCount = c
		}
	}
	return maxCount
}

func recordEvent(events []lossEvent, failedID string, lost *LostArtifactsError) []lossEvent {
	if len(events) >= maxLossEventsRecorded {
		return events
	}
	ev := lossEvent{failed: failedID}
	for digest := range lost.Lost {
		if len(ev.digests) >= maxLostPerEvent {
			break
		}
		ev.digests = append(ev.digests, digest)
	}
	return append(events, ev)
}

// planForLostInputs builds the rewind plan for a node that reported lost
// input artifacts.
func (p *planner) planForLostInputs(st *buildState, failed *nodeEntry, lost *LostArtifactsError) (*RewindPlan, error) {
	if err := p.checkEnabled("LOST_INPUT", lost); err != nil {
		return nil, err
	}

	failedID := failed.key.String()

	p.mu.Lock()
	maxCount := recordLosses(p.lostInputs, failedID, lost)
	p.inputEvents = recordEvent(p.inputEvents, failedID, lost)
	p.totalLost += len(lost.Lost)
	p.plansBuilt++
	p.mu.Unlock()

	if maxCount > p.eng.opts.MaxRepeatedLosses {
		// The generator re-ran and the consumer still cannot see the
		// artifact. Rewinding again would loop forever.
		return nil, &RewindError{
			Code:        "LOST_INPUT_TOO_MANY_TIMES",
			Message:     fmt.Sprintf("%s lost the same input %d times: %s", failedID, maxCount, lost.Error()),
			Losses:      maxCount,
			InternalBug: true,
			Cause:       ErrRepeatedLoss,
		}
	}

	failed.mu.Lock()
	depKeys := failed.snapshotDepKeys()
	failed.mu.Unlock()

	return p.buildPlan(st, failed.key, depKeys, lost, false), nil
}

// planForLostOutputs builds the rewind plan for a node whose own outputs
// were found lost after it completed (typically during top-level artifact
// delivery).
func (p *planner) planForLostOutputs(st *buildState, owner Key, lost *LostArtifactsError) (*RewindPlan, error) {
	if err := p.checkEnabled("LOST_OUTPUT", lost); err != nil {
		return nil, err
	}

	ownerID := owner.String()

	p.mu.Lock()
	maxCount := recordLosses(p.lostOutputs, ownerID, lost)
	p.outputEvents = recordEvent(p.outputEvents, ownerID, lost)
	p.totalLost += len(lost.Lost)
	p.plansBuilt++
	p.mu.Unlock()

	if maxCount > p.eng.opts.MaxRepeatedLosses {
		return nil, &RewindError{
			Code:    "LOST_OUTPUT_TOO_MANY_TIMES",
			Message: fmt.Sprintf("%s lost the same output %d times: %s", ownerID, maxCount, lost.Error()),
			Losses:  maxCount,
			Cause:   ErrRepeatedLoss,
		}
	}

	var depKeys []Key
	if entry := p.eng.nodes.get(ownerID); entry != nil {
		entry.mu.Lock()
		depKeys = entry.snapshotDepKeys()
		entry.mu.Unlock()
	}

	return p.buildPlan(st, owner, depKeys, lost, true), nil
}

// buildPlan maps each lost artifact to the direct dependencies of the
// failed node that lead to its regenerating nodes, then expands the
// selection through insensitively propagating nodes.
//
// includeFailed puts the reporting node itself into the reset set (lost
// outputs); for lost inputs the engine re-enqueues it without a reset.
func (p *planner) buildPlan(st *buildState, failedKey Key, depKeys []Key, lost *LostArtifactsError, includeFailed bool) *RewindPlan {
	graph := newRewindGraph()
	graph.AddNode(failedKey)

	depIDs := make(map[string]struct{}, len(depKeys))
	for _, d := range depKeys {
		depIDs[d.String()] = struct{}{}
	}
	chains := memberChains(depKeys)

	plan := &RewindPlan{Failed: failedKey, Graph: graph}

	var targets []Key
	for digest, artifact := range lost.Lost {
		if artifact.Source {
			// Source inputs have no generator; nothing can regenerate
			// them. The loss surfaces as a plain failure on re-run.
			plan.Unmapped++
			p.eng.emit(st, failedKey.String(), "lost_source_artifact", map[string]interface{}{
				"path":   artifact.Path,
				"digest": digest,
			})
			continue
		}

		candidates := make([]Key, 0, len(artifact.Generators)+2)
		candidates = append(candidates, artifact.Generators...)
		if lost.Owners != nil {
			candidates = append(candidates, lost.Owners.Owners(digest)...)
		}

		mapped := false
		for _, c := range candidates {
			if c.String() == failedKey.String() {
				// The reporting node generates the artifact itself (lost
				// outputs); its own reset is handled by includeFailed.
				mapped = true
				continue
			}
			chain, ok := resolveOwnership(c, depIDs, chains, lost.Owners, 0)
			if !ok {
				continue
			}
			mapped = true
			added := addChain(graph, failedKey, chain)
			targets = append(targets, added...)
		}
		if !mapped {
			plan.Unmapped++
			p.eng.emit(st, failedKey.String(), "lost_artifact_owner_unknown", map[string]interface{}{
				"path":   artifact.Path,
				"digest": digest,
			})
		}
	}

	if includeFailed {
		targets = append(targets, failedKey)
	}

	// Nodes that embed dependency artifacts without tracking which
	// dependency contributed them cannot be trusted after a reset of any
	// one input: pull all their recorded dependencies into the plan too.
	// Group dependencies are flattened to members, since the artifacts live
	// on the member nodes, not on the aggregate.
	queue := append([]Key(nil), targets...)
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]

		comp := p.eng.computerFor(k)
		ip, ok := comp.(InsensitivePropagator)
		if !ok || !ip.InsensitivelyPropagates() {
			continue
		}
		entry := p.eng.nodes.get(k.String())
		if entry == nil {
			continue
		}
		entry.mu.Lock()
		deps := entry.snapshotDepKeys()
		entry.mu.Unlock()
		for _, d := range expandGroupMembers(deps) {
			if graph.AddNode(d) {
				graph.AddEdge(k, d)
				queue = append(queue, d)
			}
		}
	}

	for _, k := range graph.Keys() {
		if !includeFailed && k.String() == failedKey.String() {
			continue
		}
		plan.Keys = append(plan.Keys, k)
	}
	return plan
}

// addChain inserts a resolved ownership chain (direct dep first, generator
// or owner last) rooted at the failed node, returning the newly added keys.
func addChain(graph *RewindGraph, failedKey Key, chain []Key) []Key {
	var added []Key
	prev := failedKey
	for _, k := range chain {
		if graph.AddNode(k) {
			added = append(added, k)
		}
		graph.AddEdge(prev, k)
		prev = k
	}
	return added
}

// resolveOwnership finds the path from a direct dependency of the failed
// node down to candidate c. Direct deps match immediately; members of group
// dependencies match through the group chain; otherwise the ownership index
// is walked upward at most two levels (file inside tree inside bundle).
func resolveOwnership(c Key, depIDs map[string]struct{}, chains map[string][]Key, owners *OwnershipIndex, depth int) ([]Key, bool) {
	if _, ok := depIDs[c.String()]; ok {
		return []Key{c}, true
	}
	if path, ok := chains[c.String()]; ok {
		out := make([]Key, 0, len(path)+1)
		out = append(out, path...)
		out = append(out, c)
		return out, true
	}
	if owners == nil || depth >= 2 {
		return nil, false
	}
	for _, parent := range owners.Parents(c) {
		if chain, ok := resolveOwnership(parent, depIDs, chains, owners, depth+1); ok {
			return append(chain, c), true
		}
	}
	return nil, false
}

// memberChains indexes every transitive member of the group dependencies,
// mapping member identity to the path of group keys leading to it (group
// keys included, member excluded).
func memberChains(depKeys []Key) map[string][]Key {
	chains := make(map[string][]Key)
	var walk func(g Grouper, path []Key)
	walk = func(g Grouper, path []Key) {
		for _, m := range g.Members() {
			if _, ok := chains[m.String()]; ok {
				continue
			}
			chains[m.String()] = path
			if sub, ok := m.(Grouper); ok {
				subPath := make([]Key, len(path), len(path)+1)
				copy(subPath, path)
				walk(sub, append(subPath, m))
			}
		}
	}
	for _, d := range depKeys {
		if g, ok := d.(Grouper); ok {
			walk(g, []Key{d})
		}
	}
	return chains
}

// RewindLostOutputs plans and applies a rewind for a node whose outputs
// were found lost outside of any computation, for example when delivering
// requested artifacts to the caller after a build.
//
// The node and every other node in the plan are reset; the next Evaluate
// re-executes them. Must not be called concurrently with Evaluate.
func (e *Engine) RewindLostOutputs(ctx context.Context, owner Key, lost *LostArtifactsError) (*RewindPlan, error) {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	st := &buildState{
		version: e.version.Load(),
		buildID: uuid.NewString(),
	}

	if m := e.opts.Metrics; m != nil {
		m.AddLostArtifacts(len(lost.Lost))
	}

	plan, err := e.planner.planForLostOutputs(st, owner, lost)
	if err != nil {
		return nil, err
	}
	if err := e.applyRewind(ctx, st, plan, "lost_output"); err != nil {
		return nil, err
	}
	return plan, nil
}
