package patchbay

import "strings"

// Matches reports whether text satisfies pattern.
//
// Pattern language:
//   - '*' matches any substring, including the empty one
//   - '?' matches exactly one character
//   - a pattern containing neither wildcard requires an exact match,
//     not substring containment
//
// Implemented as the standard dynamic-programming matcher over
// pattern x text length, iterative so repeated '*' runs stay linear.
func Matches(pattern, text string) bool {
	if !strings.ContainsAny(pattern, "*?") {
		return pattern == text
	}

	p := []rune(pattern)
	t := []rune(text)

	// prev[j] / cur[j]: does p[:i] match t[:j].
	prev := make([]bool, len(t)+1)
	cur := make([]bool, len(t)+1)

	prev[0] = true
	for i := 1; i <= len(p); i++ {
		cur[0] = prev[0] && p[i-1] == '*'
		for j := 1; j <= len(t); j++ {
			switch p[i-1] {
			case '*':
				cur[j] = cur[j-1] || prev[j]
			case '?':
				cur[j] = prev[j-1]
			default:
				cur[j] = prev[j-1] && p[i-1] == t[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(t)]
}
