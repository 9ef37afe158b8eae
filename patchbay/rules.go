package patchbay

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lemonxah/zestbay/graph"
)

// PortMapping names an explicit (output port, input port) pair a rule must
// establish between its source and target nodes.
type PortMapping struct {
	Output string `json:"output"`
	Input  string `json:"input"`
}

// Rule describes one auto-connect policy. Rules are created explicitly or
// learned from a manual connection, and die implicitly when their last
// mapping is unlearned.
type Rule struct {
	ID int `json:"id"`

	SourcePattern string         `json:"sourcePattern"`
	SourceType    graph.NodeType `json:"sourceType,omitempty"` // empty = any

	TargetPattern string         `json:"targetPattern"`
	TargetType    graph.NodeType `json:"targetType,omitempty"` // empty = any

	// PinnedTarget is the preferred target node id; 0 means unpinned. Ids are
	// not stable across restarts, so a stale pin is re-resolved during scans.
	PinnedTarget uint32 `json:"pinnedTarget,omitempty"`

	// Mappings, when non-empty, restrict the rule to exactly these named port
	// pairs. When empty the engine pairs ports automatically.
	Mappings []PortMapping `json:"mappings,omitempty"`

	Enabled bool `json:"enabled"`
}

// matchesSource reports whether the rule's source side covers the node.
func (r *Rule) matchesSource(n *graph.Node) bool {
	if r.SourceType != "" && n.Type != r.SourceType {
		return false
	}
	return Matches(r.SourcePattern, n.DisplayName())
}

// matchesTarget reports whether the rule's target side covers the node.
func (r *Rule) matchesTarget(n *graph.Node) bool {
	if r.TargetType != "" && n.Type != r.TargetType {
		return false
	}
	return Matches(r.TargetPattern, n.DisplayName())
}

func (r *Rule) hasMapping(outPort, inPort string) bool {
	for _, m := range r.Mappings {
		if m.Output == outPort && m.Input == inPort {
			return true
		}
	}
	return false
}

func (r *Rule) clone() Rule {
	c := *r
	c.Mappings = append([]PortMapping(nil), r.Mappings...)
	return c
}

// RuleSet owns the auto-connect rules. All methods are safe for concurrent
// use; the engine takes a snapshot per scan.
type RuleSet struct {
	mu     sync.RWMutex
	nextID int
	rules  []*Rule

	log *logrus.Entry
}

// NewRuleSet creates an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{
		nextID: 1,
		log:    logrus.WithField("component", "patchbay.rules"),
	}
}

// Add inserts a rule and returns its assigned id.
func (rs *RuleSet) Add(r Rule) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	r.ID = rs.nextID
	rs.nextID++
	stored := r.clone()
	rs.rules = append(rs.rules, &stored)
	return r.ID
}

// Remove deletes the rule with the given id.
func (rs *RuleSet) Remove(id int) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.removeLocked(id)
}

func (rs *RuleSet) removeLocked(id int) bool {
	for i, r := range rs.rules {
		if r.ID == id {
			rs.rules = append(rs.rules[:i], rs.rules[i+1:]...)
			return true
		}
	}
	return false
}

// SetEnabled flips a rule's enabled flag.
func (rs *RuleSet) SetEnabled(id int, enabled bool) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, r := range rs.rules {
		if r.ID == id {
			r.Enabled = enabled
			return true
		}
	}
	return false
}

// Pin updates a rule's pinned target id. Used by the engine when a stale pin
// is re-resolved.
func (rs *RuleSet) Pin(id int, target uint32) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, r := range rs.rules {
		if r.ID == id {
			r.PinnedTarget = target
			return
		}
	}
}

// Rules returns a snapshot ordered by id.
func (rs *RuleSet) Rules() []Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	out := make([]Rule, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

// LearnFromLink records a manual connection as policy: it finds or creates
// the rule keyed by (source display name, target display name/type/pinned
// id) and appends the port mapping if not already present. It reports
// whether anything changed. Self-loops are rejected before any rule lookup.
func (rs *RuleSet) LearnFromLink(source, target *graph.Node, outPort, inPort string) bool {
	if source.ID == target.ID {
		rs.log.WithFields(logrus.Fields{
			"node": source.DisplayName(),
			"id":   source.ID,
		}).Debug("Refusing to learn self-loop")
		return false
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	r := rs.findLearnedLocked(source, target)
	if r == nil {
		r = &Rule{
			ID:            rs.nextID,
			SourcePattern: source.DisplayName(),
			SourceType:    source.Type,
			TargetPattern: target.DisplayName(),
			TargetType:    target.Type,
			PinnedTarget:  target.ID,
			Enabled:       true,
		}
		rs.nextID++
		rs.rules = append(rs.rules, r)
		rs.log.WithFields(logrus.Fields{
			"rule":   r.ID,
			"source": r.SourcePattern,
			"target": r.TargetPattern,
		}).Info("Learned new auto-connect rule")
	}

	if r.hasMapping(outPort, inPort) {
		return false
	}
	r.Mappings = append(r.Mappings, PortMapping{Output: outPort, Input: inPort})
	return true
}

// UnlearnFromLink removes the specific mapping learned for this connection.
// A rule left with no mappings is deleted. It reports whether anything
// changed.
func (rs *RuleSet) UnlearnFromLink(source, target *graph.Node, outPort, inPort string) bool {
	if source.ID == target.ID {
		return false
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	r := rs.findLearnedLocked(source, target)
	if r == nil {
		return false
	}

	for i, m := range r.Mappings {
		if m.Output == outPort && m.Input == inPort {
			r.Mappings = append(r.Mappings[:i], r.Mappings[i+1:]...)
			if len(r.Mappings) == 0 {
				rs.removeLocked(r.ID)
				rs.log.WithField("rule", r.ID).Info("Removed rule with no remaining mappings")
			}
			return true
		}
	}
	return false
}

// findLearnedLocked locates the rule a learned connection belongs to.
func (rs *RuleSet) findLearnedLocked(source, target *graph.Node) *Rule {
	for _, r := range rs.rules {
		if r.SourcePattern != source.DisplayName() {
			continue
		}
		if r.TargetPattern != target.DisplayName() {
			continue
		}
		if r.TargetType != "" && r.TargetType != target.Type {
			continue
		}
		if r.PinnedTarget != 0 && r.PinnedTarget != target.ID {
			continue
		}
		return r
	}
	return nil
}
