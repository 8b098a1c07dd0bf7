package resolver

import (
	"context"

	"nexo/backend/internal/issues"
)

// NoMatch is the Decision.Index of a name that denotes a new issue.
const NoMatch = -1

// Decision is a matcher's verdict for one extracted name. Index points into
// the candidate slice the matcher was given, or is NoMatch. Description is
// an optional one-sentence summary for a new issue.
type Decision struct {
	Index       int
	Description string
}

// IsNew reports whether the decision is to create a new canonical issue.
func (d Decision) IsNew() bool {
	return d.Index == NoMatch
}

// Matcher decides whether an extracted name denotes one of the candidates.
// Implementations must return NoMatch rather than an out-of-range index.
type Matcher interface {
	Match(ctx context.Context, name string, candidates []issues.CanonicalIssue) (Decision, error)
}
