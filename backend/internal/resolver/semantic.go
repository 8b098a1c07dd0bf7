package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"nexo/backend/internal/adapter"
	"nexo/backend/internal/extraction"
	"nexo/backend/internal/issues"
	"nexo/backend/internal/metrics"
	apperrors "nexo/backend/pkg/errors"
	"nexo/backend/pkg/logger"
)

const matchMaxTokens = 256

const matchSystemPrompt = `You deduplicate political issues for Nexo. Decide whether a newly extracted issue name refers to the same underlying issue as one of the existing canonical issues. Judge meaning, not spelling: "gun control" and "Second Amendment rights" are one issue, as are "climate action" and "carbon emissions policy".

Respond with ONLY a JSON object, either
{"match": "existing", "index": <the 1-based number from the list>}
or
{"match": "new", "description": "<one sentence describing the new issue>"}`

// Generator is the slice of the LLM adapter the semantic matcher needs.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userMsg string, maxTokens int) (*adapter.Response, error)
}

// SemanticMatcher asks the model whether a name means the same thing as one
// of the candidates.
type SemanticMatcher struct {
	llm    Generator
	logger *zap.Logger
}

// NewSemanticMatcher creates a new semantic matcher
func NewSemanticMatcher(llm Generator) *SemanticMatcher {
	return &SemanticMatcher{
		llm:    llm,
		logger: logger.Named("resolver.semantic"),
	}
}

type matchAnswer struct {
	Match       string          `json:"match"`
	Index       json.RawMessage `json:"index"`
	Description string          `json:"description"`
}

// Match returns the model's choice. A malformed or out-of-range answer
// degrades to a new issue; only a failed model call is an error.
func (m *SemanticMatcher) Match(ctx context.Context, name string, candidates []issues.CanonicalIssue) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{Index: NoMatch}, nil
	}

	resp, err := m.llm.Generate(ctx, matchSystemPrompt, BuildMatchPrompt(name, candidates), matchMaxTokens)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to match issue %q: %w", name, err)
	}

	decision, err := parseMatchAnswer(name, resp.Content, len(candidates))
	if err != nil {
		metrics.ContainedFailures.WithLabelValues("match_ambiguity").Inc()
		m.logger.Warn("Unusable match answer, treating as new issue",
			zap.String("issue", name),
			zap.String("response", resp.Content),
			zap.Error(err),
		)
	}
	return decision, nil
}

// BuildMatchPrompt renders the extracted name and the numbered candidate list.
func BuildMatchPrompt(name string, candidates []issues.CanonicalIssue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Extracted issue: %q\n\nExisting canonical issues:\n\n", name)
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %q", i+1, c.Name)
		if c.Description != "" {
			fmt.Fprintf(&b, " — %s", c.Description)
		}
		if len(c.Aliases) > 0 {
			fmt.Fprintf(&b, " (aliases: %s)", strings.Join(c.Aliases, ", "))
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nDoes %q match any of these?", name)
	return b.String()
}

// parseMatchAnswer always returns a usable decision; the error says why a
// malformed answer was downgraded to new.
func parseMatchAnswer(name, raw string, n int) (Decision, error) {
	newIssue := Decision{Index: NoMatch}

	obj := extraction.FindJSONObject(raw)
	if obj == "" {
		return newIssue, apperrors.NewMatchAmbiguity(name, 0, fmt.Errorf("no JSON object in answer"))
	}

	var ans matchAnswer
	if err := json.Unmarshal([]byte(obj), &ans); err != nil {
		return newIssue, apperrors.NewMatchAmbiguity(name, 0, err)
	}

	switch strings.ToLower(strings.TrimSpace(ans.Match)) {
	case "existing":
		var idx float64
		if err := json.Unmarshal(ans.Index, &idx); err != nil {
			return newIssue, apperrors.NewMatchAmbiguity(name, 0, fmt.Errorf("index is not a number: %w", err))
		}
		if idx != math.Trunc(idx) || idx < 1 || idx > float64(n) {
			return newIssue, apperrors.NewMatchAmbiguity(name, int(idx), fmt.Errorf("index out of range 1..%d", n))
		}
		return Decision{Index: int(idx) - 1}, nil
	case "new":
		return Decision{Index: NoMatch, Description: strings.TrimSpace(ans.Description)}, nil
	default:
		return newIssue, apperrors.NewMatchAmbiguity(name, 0, fmt.Errorf("unknown match kind %q", ans.Match))
	}
}
