// Package fuzzy finds near-miss occurrences of a phrase inside a longer text.
// Both inputs are expected to be canonical (see package canonical): lower-case
// tokens separated by single spaces.
package fuzzy

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxDistance is the per-window edit budget used by the firewall.
const DefaultMaxDistance = 2

// DefaultMinPatternLength is the shortest canonical pattern, in bytes, that is
// eligible for fuzzy matching. Shorter patterns only match exactly.
const DefaultMinPatternLength = 12

// ContainsFuzzy reports whether haystack contains a window of tokens that is
// within maxDistance edits of pattern. Windows of n, n-1 and n+1 tokens are
// tried, where n is the number of tokens in pattern.
//
// A larger maxDistance never turns a match into a non-match.
func ContainsFuzzy(haystack, pattern string, maxDistance int) bool {
	if pattern == "" || maxDistance <= 0 {
		return false
	}

	hay := strings.Fields(haystack)
	pat := strings.Fields(pattern)
	if len(hay) == 0 || len(pat) == 0 {
		return false
	}
	joinedPattern := strings.Join(pat, " ")
	patternRunes := utf8.RuneCountInString(joinedPattern)

	n := len(pat)
	sizes := []int{n}
	if n > 1 {
		sizes = append(sizes, n-1)
	}
	sizes = append(sizes, n+1)

	for _, size := range sizes {
		if size > len(hay) {
			continue
		}
		for start := 0; start+size <= len(hay); start++ {
			window := hay[start : start+size]
			if tokensMatch(window, pat, maxDistance) {
				return true
			}

			candidate := strings.Join(window, " ")
			if absDiff(utf8.RuneCountInString(candidate), patternRunes) > maxDistance {
				continue
			}
			if BoundedLevenshtein(candidate, joinedPattern, maxDistance) <= maxDistance {
				return true
			}
		}
	}
	return false
}

// tokensMatch compares a window token by token. Every pair must be within
// maxDistance, the total must stay within maxDistance per token, and at
// least one pair must differ.
func tokensMatch(window, pattern []string, maxDistance int) bool {
	if len(window) != len(pattern) || maxDistance <= 0 {
		return false
	}

	budget := maxDistance * len(pattern)
	total := 0
	differs := false
	for i, tok := range window {
		if tok == pattern[i] {
			continue
		}
		differs = true
		d := BoundedLevenshtein(tok, pattern[i], maxDistance)
		if d > maxDistance {
			return false
		}
		total += d
		if total > budget {
			return false
		}
	}
	return differs
}

// BoundedLevenshtein returns the rune-level edit distance between a and b, or
// max+1 as soon as the distance is known to exceed max.
func BoundedLevenshtein(a, b string, max int) int {
	if a == b {
		return 0
	}
	if max < 0 {
		max = 0
	}

	ra := []rune(a)
	rb := []rune(b)
	if absDiff(len(ra), len(rb)) > max {
		return max + 1
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i, ca := range ra {
		cur[0] = i + 1
		rowMin := cur[0]
		for j, cb := range rb {
			cost := 1
			if ca == cb {
				cost = 0
			}
			v := min(cur[j]+1, prev[j+1]+1, prev[j]+cost)
			cur[j+1] = v
			if v < rowMin {
				rowMin = v
			}
		}
		if rowMin > max {
			return max + 1
		}
		prev, cur = cur, prev
	}

	if d := prev[len(rb)]; d <= max {
		return d
	}
	return max + 1
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
