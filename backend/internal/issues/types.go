package issues

import (
	"errors"
	"strings"
	"time"
)

// Store sentinels. Implementations wrap these so callers can use errors.Is.
var (
	// ErrNotFound is returned when a lookup matches nothing
	ErrNotFound = errors.New("not found")
	// ErrDuplicateIssue is returned when a canonical issue name is already taken
	ErrDuplicateIssue = errors.New("canonical issue name already exists")
	// ErrStaleWrite is returned when a compare-and-swap write lost a race
	ErrStaleWrite = errors.New("aggregate row changed since it was read")
)

// Confidence is the extractor's ordinal confidence in a stance. Values other
// than the three constants are passed through untouched.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ParseConfidence canonicalizes the case of the three known levels and
// returns anything else trimmed but otherwise unchanged.
func ParseConfidence(s string) Confidence {
	s = strings.TrimSpace(s)
	switch c := Confidence(strings.ToLower(s)); c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return c
	}
	return Confidence(s)
}

// ConnectionType describes how two issues are related in one user's view.
type ConnectionType string

const (
	ConnectionCoOccurrence ConnectionType = "co_occurrence"
	ConnectionCausal       ConnectionType = "causal"
)

// ParseConnectionType maps unrecognized values to co_occurrence.
func ParseConnectionType(s string) ConnectionType {
	if strings.EqualFold(strings.TrimSpace(s), string(ConnectionCausal)) {
		return ConnectionCausal
	}
	return ConnectionCoOccurrence
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MaxMessageLength bounds a single ingested conversation turn.
const MaxMessageLength = 2000

// MaxQuotes is the number of verbatim quotes kept per stance.
const MaxQuotes = 3

// Conversation groups one user's turns with the debate partner.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one conversation turn.
type Message struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	UserID            string    `json:"user_id"`
	Role              string    `json:"role"`
	Content           string    `json:"content"`
	IncludedInRefresh bool      `json:"included_in_refresh"`
	CreatedAt         time.Time `json:"created_at"`
}

// CanonicalIssue is the system-wide identity of a political topic.
type CanonicalIssue struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Aliases      []string  `json:"aliases"`
	IsActive     bool      `json:"is_active"`
	MergedIntoID string    `json:"merged_into_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Matchable reports whether the issue takes part in matching and aggregation.
func (c CanonicalIssue) Matchable() bool {
	return c.IsActive && c.MergedIntoID == ""
}

// Knows reports whether name equals the primary name or an alias, ignoring case.
func (c CanonicalIssue) Knows(name string) bool {
	if strings.EqualFold(c.Name, name) {
		return true
	}
	for _, a := range c.Aliases {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}

// WithAlias returns the alias list extended by name, or the list unchanged
// (and false) when the name is already known.
func (c CanonicalIssue) WithAlias(name string) ([]string, bool) {
	name = strings.TrimSpace(name)
	if name == "" || c.Knows(name) {
		return c.Aliases, false
	}
	out := make([]string, 0, len(c.Aliases)+1)
	out = append(out, c.Aliases...)
	return append(out, name), true
}

// NormalizeAliases drops blanks, case-insensitive duplicates and anything
// equal to the primary name, keeping first-seen order.
func NormalizeAliases(primary string, aliases []string) []string {
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(primary)): true}
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		a = strings.TrimSpace(a)
		key := strings.ToLower(a)
		if a == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}

// UserIssue is one user's stance on one canonical issue, unique per pair.
type UserIssue struct {
	UserID           string     `json:"user_id"`
	CanonicalIssueID string     `json:"canonical_issue_id"`
	Stance           string     `json:"stance"`
	Intensity        float64    `json:"intensity"`
	Confidence       Confidence `json:"confidence"`
	Quotes           []string   `json:"quotes"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AggregateIssue is the global rollup for a canonical issue. Version is the
// optimistic-concurrency token; zero means the row has never been written.
type AggregateIssue struct {
	CanonicalIssueID string         `json:"canonical_issue_id"`
	TotalUsers       int            `json:"total_users"`
	EnergyScore      float64        `json:"energy_score"`
	StanceHistogram  map[string]int `json:"stance_histogram"`
	ConsensusScore   float64        `json:"consensus_score"`
	Version          int64          `json:"-"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// AggregateConnection is the global rollup for an unordered issue pair,
// stored with IssueAID < IssueBID.
type AggregateConnection struct {
	IssueAID    string    `json:"issue_a_id"`
	IssueBID    string    `json:"issue_b_id"`
	TotalWeight int       `json:"total_weight"`
	UserCount   int       `json:"user_count"`
	Version     int64     `json:"-"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserConnection is one user's assertion that two issues are related.
// Rows are appended, never upserted.
type UserConnection struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	IssueAID  string         `json:"issue_a_id"`
	IssueBID  string         `json:"issue_b_id"`
	Type      ConnectionType `json:"connection_type"`
	Evidence  string         `json:"evidence"`
	CreatedAt time.Time      `json:"created_at"`
}

// Profile carries per-user refresh bookkeeping.
type Profile struct {
	UserID           string     `json:"user_id"`
	LastRefreshAt    *time.Time `json:"last_refresh_at,omitempty"`
	TotalRefreshes   int        `json:"total_refreshes"`
	LatestReflection string     `json:"latest_reflection,omitempty"`
}

// CanonicalPair orders two issue ids so (a, b) and (b, a) address one row.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
