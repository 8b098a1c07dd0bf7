package resolver

import (
	"context"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"

	"nexo/backend/internal/issues"
)

// DefaultLexicalThreshold is the minimum similarity for a lexical match.
const DefaultLexicalThreshold = 0.8

// scoreEpsilon absorbs float rounding so a score equal to the threshold matches.
const scoreEpsilon = 1e-9

// LexicalMatcher matches by normalized edit-distance similarity against each
// candidate's name and aliases. It never calls out and never fails.
type LexicalMatcher struct {
	threshold float64
}

// NewLexicalMatcher creates a matcher; a threshold outside (0,1] falls back
// to DefaultLexicalThreshold.
func NewLexicalMatcher(threshold float64) *LexicalMatcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultLexicalThreshold
	}
	return &LexicalMatcher{threshold: threshold}
}

// Match picks the candidate with the highest similarity, provided it reaches
// the threshold. Ties go to the earlier candidate.
func (m *LexicalMatcher) Match(ctx context.Context, name string, candidates []issues.CanonicalIssue) (Decision, error) {
	target := normalizeName(name)
	best, bestScore := NoMatch, 0.0

	for i, c := range candidates {
		score := Similarity(target, normalizeName(c.Name))
		for _, alias := range c.Aliases {
			if s := Similarity(target, normalizeName(alias)); s > score {
				score = s
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	if best == NoMatch || bestScore+scoreEpsilon < m.threshold {
		return Decision{Index: NoMatch}, nil
	}
	return Decision{Index: best}, nil
}

// Similarity is 1 - editDistance/len(longer), over runes. Two empty strings
// are identical.
func Similarity(a, b string) float64 {
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// normalizeName lowercases, turns punctuation into spaces and collapses runs
// of whitespace.
func normalizeName(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}
