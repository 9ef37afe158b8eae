package patchbay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesStar(t *testing.T) {
	for _, text := range []string{"", "x", "Firefox on YouTube"} {
		assert.True(t, Matches("*", text), "* must match %q", text)
	}
}

func TestMatchesExactWithoutWildcards(t *testing.T) {
	assert.True(t, Matches("Firefox", "Firefox"))
	// No wildcard means exact match, not substring containment.
	assert.False(t, Matches("Firefox", "Firefox on YouTube"))
	assert.False(t, Matches("Firefox", "firefox"))
	assert.False(t, Matches("Firefox", ""))
}

func TestMatchesPrefixSuffix(t *testing.T) {
	assert.True(t, Matches("Fire*", "Firefox"))
	assert.True(t, Matches("*fox", "Firefox"))
	assert.True(t, Matches("Fire*", "Fire"))
	assert.False(t, Matches("Fire*", "Gasfire"))
	assert.False(t, Matches("*fox", "Firefox on YouTube"))
}

func TestMatchesQuestionMark(t *testing.T) {
	assert.True(t, Matches("Firefo?", "Firefox"))
	assert.False(t, Matches("Firefo?", "Firefo"))
	assert.False(t, Matches("Firefo?", "Firefoxx"))
	assert.True(t, Matches("?", "x"))
	assert.False(t, Matches("?", ""))
}

func TestMatchesMixedWildcards(t *testing.T) {
	assert.True(t, Matches("F*o?", "Firefox"))
	assert.True(t, Matches("*on*Tube", "Firefox on YouTube"))
	assert.True(t, Matches("a*b*c", "aXbYc"))
	assert.False(t, Matches("a*b*c", "aXcYb"))
	assert.True(t, Matches("**", ""))
}

func BenchmarkMatches(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Matches("*ref*o? on *Tube", "Firefox on YouTube")
	}
}
