// Package patchbay reconciles desired routing policy against the live graph.
//
// Model:
//   - Rules describe topology the user wants ("anything named Firefox* feeds
//     the Headphones sink"); the engine computes the delta between that
//     policy and the links that actually exist.
//   - A scan is pure planning: it emits Connect/Disconnect deltas and never
//     talks to the audio server itself. The command dispatcher executes them.
//   - Scans run after the graph has been quiet for a settle interval, driven
//     by the host's monitor.
package patchbay

import (
	"github.com/sirupsen/logrus"

	"github.com/lemonxah/zestbay/graph"
)

// DeltaKind discriminates planned topology changes.
type DeltaKind int

const (
	// DeltaConnect asks for a link between OutputPort and InputPort.
	DeltaConnect DeltaKind = iota
	// DeltaDisconnect asks for the removal of LinkID.
	DeltaDisconnect
)

// Delta is one planned topology change.
type Delta struct {
	Kind       DeltaKind
	OutputPort uint32
	InputPort  uint32
	LinkID     uint32
}

// Engine evaluates the rule set against graph state.
type Engine struct {
	state *graph.State
	rules *RuleSet
	log   *logrus.Entry
}

// NewEngine creates an engine over the given state and rules.
func NewEngine(state *graph.State, rules *RuleSet) *Engine {
	return &Engine{
		state: state,
		rules: rules,
		log:   logrus.WithField("component", "patchbay"),
	}
}

// Rules exposes the engine's rule set.
func (e *Engine) Rules() *RuleSet { return e.rules }

// Scan reconciles rules against the current graph and returns the deltas
// needed to reach the desired topology. Scanning an already-reconciled graph
// returns nil.
func (e *Engine) Scan() []Delta {
	nodes := e.state.Nodes()
	byID := make(map[uint32]*graph.Node, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}

	rules := e.rules.Rules()

	// Phase 1: re-resolve stale pins. A pinned id that no longer names a
	// ready node matching the rule's target side is replaced by the first
	// node that does (or cleared).
	for i := range rules {
		r := &rules[i]
		if r.PinnedTarget == 0 {
			continue
		}
		if n, ok := byID[r.PinnedTarget]; ok && n.Ready && r.matchesTarget(n) {
			continue
		}
		r.PinnedTarget = e.firstTarget(r, nodes, 0)
		e.rules.Pin(r.ID, r.PinnedTarget)
		e.log.WithFields(logrus.Fields{
			"rule": r.ID,
			"pin":  r.PinnedTarget,
		}).Debug("Re-resolved stale pinned target")
	}

	// Coverage: a node is covered when any enabled rule names it as source
	// or target. Only links between two covered nodes are ever retracted.
	covered := make(map[uint32]bool)
	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		for j := range nodes {
			n := &nodes[j]
			if r.matchesSource(n) || r.matchesTarget(n) {
				covered[n.ID] = true
			}
		}
	}

	// Phases 2-4: plan the desired link set.
	authorized := make(map[[2]uint32]bool)
	var deltas []Delta
	for i := range nodes {
		src := &nodes[i]
		if !src.Ready || src.Media == graph.MediaVideo || !src.CanOutput() {
			continue
		}
		for j := range rules {
			r := &rules[j]
			if !r.Enabled || !r.matchesSource(src) {
				continue
			}
			tgt := e.resolveTarget(r, src, nodes, byID)
			if tgt == nil {
				continue
			}
			for _, pair := range e.desiredPairs(r, src, tgt) {
				authorized[pair] = true
				if !e.state.Linked(pair[0], pair[1]) {
					deltas = append(deltas, Delta{
						Kind:       DeltaConnect,
						OutputPort: pair[0],
						InputPort:  pair[1],
					})
				}
			}
		}
	}

	// Phase 5: retract links between rule-covered nodes that no enabled rule
	// authorizes. This is how disabling or editing a rule cleans up links it
	// previously created, without manual intervention.
	for _, l := range e.state.Links() {
		if !covered[l.OutputNode] || !covered[l.InputNode] {
			continue
		}
		if authorized[[2]uint32{l.OutputPort, l.InputPort}] {
			continue
		}
		deltas = append(deltas, Delta{Kind: DeltaDisconnect, LinkID: l.ID})
	}
	return deltas
}

// resolveTarget picks a rule's best target for the given source node: the
// pinned node when it is still valid and not the source itself, else the
// first ready matching node excluding the source.
func (e *Engine) resolveTarget(r *Rule, src *graph.Node, nodes []graph.Node, byID map[uint32]*graph.Node) *graph.Node {
	if r.PinnedTarget != 0 && r.PinnedTarget != src.ID {
		if n, ok := byID[r.PinnedTarget]; ok && n.Ready && r.matchesTarget(n) {
			return n
		}
	}
	if id := e.firstTarget(r, nodes, src.ID); id != 0 {
		return byID[id]
	}
	return nil
}

// firstTarget returns the id of the first ready node matching the rule's
// target side, skipping exclude. Nodes come ordered by id, so resolution is
// deterministic.
func (e *Engine) firstTarget(r *Rule, nodes []graph.Node, exclude uint32) uint32 {
	for i := range nodes {
		n := &nodes[i]
		if n.ID == exclude || !n.Ready || !n.CanInput() {
			continue
		}
		if r.matchesTarget(n) {
			return n.ID
		}
	}
	return 0
}

// desiredPairs computes the (output port, input port) id pairs a rule wants
// between src and tgt. Explicit mappings connect exactly the named pairs;
// otherwise ports are paired automatically.
func (e *Engine) desiredPairs(r *Rule, src, tgt *graph.Node) [][2]uint32 {
	if len(r.Mappings) > 0 {
		var pairs [][2]uint32
		for _, m := range r.Mappings {
			out, ok := e.state.FindPortByName(src.ID, m.Output, graph.DirectionOutput)
			if !ok {
				continue
			}
			in, ok := e.state.FindPortByName(tgt.ID, m.Input, graph.DirectionInput)
			if !ok {
				continue
			}
			pairs = append(pairs, [2]uint32{out.ID, in.ID})
		}
		return pairs
	}
	return e.autoPairs(src, tgt)
}

// autoPairs pairs each source output port with a target input port using the
// precedence: matching channel label, then matching port name, then matching
// physical index, then first remaining input. Each input is consumed at most
// once. The precedence order is load-bearing for compatibility with existing
// setups; do not reorder.
func (e *Engine) autoPairs(src, tgt *graph.Node) [][2]uint32 {
	outs := e.state.NodePorts(src.ID, graph.DirectionOutput)
	ins := e.state.NodePorts(tgt.ID, graph.DirectionInput)

	remaining := make([]*graph.Port, 0, len(ins))
	for i := range ins {
		remaining = append(remaining, &ins[i])
	}

	take := func(idx int) *graph.Port {
		p := remaining[idx]
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		return p
	}
	compatible := func(out *graph.Port, in *graph.Port) bool {
		if out.Media == graph.MediaUnknown || in.Media == graph.MediaUnknown {
			return true
		}
		return out.Media == in.Media
	}

	var pairs [][2]uint32
	for i := range outs {
		out := &outs[i]
		if len(remaining) == 0 {
			break
		}

		pick := -1
		for idx, in := range remaining {
			if out.Channel != "" && in.Channel == out.Channel && compatible(out, in) {
				pick = idx
				break
			}
		}
		if pick < 0 {
			for idx, in := range remaining {
				if in.Name == out.Name && compatible(out, in) {
					pick = idx
					break
				}
			}
		}
		if pick < 0 {
			for idx, in := range remaining {
				if in.Physical == out.Physical && compatible(out, in) {
					pick = idx
					break
				}
			}
		}
		if pick < 0 {
			for idx, in := range remaining {
				if compatible(out, in) {
					pick = idx
					break
				}
			}
		}
		if pick < 0 {
			continue
		}
		in := take(pick)
		pairs = append(pairs, [2]uint32{out.ID, in.ID})
	}
	return pairs
}
