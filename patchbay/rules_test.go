package patchbay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonxah/zestbay/graph"
)

func learnNodes() (*graph.Node, *graph.Node) {
	src := &graph.Node{ID: 1, Description: "Firefox", Type: graph.NodeStreamOutput, Ready: true}
	dst := &graph.Node{ID: 2, Description: "Headphones", Type: graph.NodeSink, Ready: true}
	return src, dst
}

func TestLearnCreatesRuleWithMapping(t *testing.T) {
	rs := NewRuleSet()
	src, dst := learnNodes()

	require.True(t, rs.LearnFromLink(src, dst, "out", "in"))

	rules := rs.Rules()
	require.Len(t, rules, 1)
	r := rules[0]
	assert.Equal(t, "Firefox", r.SourcePattern)
	assert.Equal(t, graph.NodeStreamOutput, r.SourceType)
	assert.Equal(t, "Headphones", r.TargetPattern)
	assert.Equal(t, graph.NodeSink, r.TargetType)
	assert.Equal(t, uint32(2), r.PinnedTarget)
	assert.True(t, r.Enabled)
	require.Len(t, r.Mappings, 1)
	assert.Equal(t, PortMapping{Output: "out", Input: "in"}, r.Mappings[0])
}

func TestLearnAppendsToExistingRule(t *testing.T) {
	rs := NewRuleSet()
	src, dst := learnNodes()

	require.True(t, rs.LearnFromLink(src, dst, "out_FL", "in_FL"))
	require.True(t, rs.LearnFromLink(src, dst, "out_FR", "in_FR"))
	// Duplicate mapping is a no-op.
	require.False(t, rs.LearnFromLink(src, dst, "out_FL", "in_FL"))

	rules := rs.Rules()
	require.Len(t, rules, 1)
	assert.Len(t, rules[0].Mappings, 2)
}

func TestLearnRejectsSelfLoop(t *testing.T) {
	rs := NewRuleSet()
	n := &graph.Node{ID: 7, Description: "Loopy", Type: graph.NodeDuplex, Ready: true}

	assert.False(t, rs.LearnFromLink(n, n, "out", "in"))
	assert.Zero(t, rs.Len())
}

func TestLearnUnlearnRoundTrip(t *testing.T) {
	rs := NewRuleSet()
	src, dst := learnNodes()

	require.True(t, rs.LearnFromLink(src, dst, "out", "in"))
	require.True(t, rs.UnlearnFromLink(src, dst, "out", "in"))

	// The rule set is back to its prior state: the emptied rule is gone.
	assert.Zero(t, rs.Len())

	// Unlearning again changes nothing.
	assert.False(t, rs.UnlearnFromLink(src, dst, "out", "in"))
}

func TestUnlearnKeepsRuleWithRemainingMappings(t *testing.T) {
	rs := NewRuleSet()
	src, dst := learnNodes()

	require.True(t, rs.LearnFromLink(src, dst, "out_FL", "in_FL"))
	require.True(t, rs.LearnFromLink(src, dst, "out_FR", "in_FR"))
	require.True(t, rs.UnlearnFromLink(src, dst, "out_FL", "in_FL"))

	rules := rs.Rules()
	require.Len(t, rules, 1)
	require.Len(t, rules[0].Mappings, 1)
	assert.Equal(t, "out_FR", rules[0].Mappings[0].Output)
}

func TestSetEnabledAndRemove(t *testing.T) {
	rs := NewRuleSet()
	id := rs.Add(Rule{SourcePattern: "A*", TargetPattern: "B*", Enabled: true})

	require.True(t, rs.SetEnabled(id, false))
	assert.False(t, rs.Rules()[0].Enabled)

	require.True(t, rs.Remove(id))
	assert.Zero(t, rs.Len())
	assert.False(t, rs.Remove(id))
}

func TestRuleMatchingRequiresType(t *testing.T) {
	r := Rule{SourcePattern: "Firefox*", SourceType: graph.NodeStreamOutput, Enabled: true}

	stream := &graph.Node{Description: "Firefox on YouTube", Type: graph.NodeStreamOutput}
	input := &graph.Node{Description: "Firefox on YouTube", Type: graph.NodeStreamInput}

	assert.True(t, r.matchesSource(stream))
	assert.False(t, r.matchesSource(input))
}
