package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"nexo/backend/internal/issues"
	apperrors "nexo/backend/pkg/errors"
)

// ExtractedIssue is one stance the model found in a batch of turns.
// Intensity is passed through as-is; consumers clamp it.
type ExtractedIssue struct {
	Name       string            `json:"name"`
	Stance     string            `json:"stance"`
	Intensity  float64           `json:"intensity"`
	Confidence issues.Confidence `json:"confidence"`
	Quotes     []string          `json:"quotes"`
}

// ExtractedConnection links two issue names from the same batch.
type ExtractedConnection struct {
	IssueA   string                `json:"issue_a"`
	IssueB   string                `json:"issue_b"`
	Type     issues.ConnectionType `json:"type"`
	Evidence string                `json:"evidence"`
}

// Result is the validated output of one extraction call.
type Result struct {
	Issues      []ExtractedIssue      `json:"issues"`
	Connections []ExtractedConnection `json:"connections"`
}

// UsableConnections returns the connections whose endpoints both name an
// issue in the same result.
func (r *Result) UsableConnections() []ExtractedConnection {
	names := make(map[string]bool, len(r.Issues))
	for _, is := range r.Issues {
		names[is.Name] = true
	}
	out := make([]ExtractedConnection, 0, len(r.Connections))
	for _, c := range r.Connections {
		if names[c.IssueA] && names[c.IssueB] {
			out = append(out, c)
		}
	}
	return out
}

type wireResult struct {
	Issues      json.RawMessage `json:"issues"`
	Connections json.RawMessage `json:"connections"`
}

type wireIssue struct {
	Name       string        `json:"name"`
	Stance     string        `json:"stance"`
	Intensity  flexibleFloat `json:"intensity"`
	Confidence string        `json:"confidence"`
	Quotes     []string      `json:"quotes"`
}

type wireConnection struct {
	IssueA   string `json:"issue_a"`
	IssueB   string `json:"issue_b"`
	Type     string `json:"type"`
	Evidence string `json:"evidence"`
}

// flexibleFloat accepts 0.8 as well as "0.8". Anything else decodes to 0.
type flexibleFloat float64

func (f *flexibleFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = flexibleFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		*f = 0
		return nil
	}
	*f = flexibleFloat(v)
	return nil
}

// Parse locates the JSON object inside a model response and validates it.
// Missing issues/connections default to empty lists. A response without a
// decodable object, or with non-array lists, yields an ErrParseFailure.
func Parse(raw string) (*Result, error) {
	var (
		wire    wireResult
		found   bool
		lastErr error
	)
	for _, candidate := range findJSONObjects(raw) {
		var w wireResult
		if err := json.Unmarshal([]byte(candidate), &w); err != nil {
			lastErr = err
			continue
		}
		wire = w
		found = true
		break
	}
	if !found {
		if lastErr != nil {
			return nil, apperrors.NewParseFailure("invalid JSON object", raw, lastErr)
		}
		return nil, apperrors.NewParseFailure("no JSON object found", raw, nil)
	}

	result := &Result{
		Issues:      []ExtractedIssue{},
		Connections: []ExtractedConnection{},
	}

	var rawIssues []wireIssue
	if err := decodeList(wire.Issues, &rawIssues); err != nil {
		return nil, apperrors.NewParseFailure("issues is not a list of issue objects", raw, err)
	}
	var rawConns []wireConnection
	if err := decodeList(wire.Connections, &rawConns); err != nil {
		return nil, apperrors.NewParseFailure("connections is not a list of connection objects", raw, err)
	}

	for _, wi := range rawIssues {
		name := strings.TrimSpace(wi.Name)
		if name == "" {
			continue
		}
		quotes := make([]string, 0, issues.MaxQuotes)
		for _, q := range wi.Quotes {
			if strings.TrimSpace(q) == "" {
				continue
			}
			if len(quotes) == issues.MaxQuotes {
				break
			}
			quotes = append(quotes, q)
		}
		result.Issues = append(result.Issues, ExtractedIssue{
			Name:       name,
			Stance:     strings.TrimSpace(wi.Stance),
			Intensity:  float64(wi.Intensity),
			Confidence: issues.ParseConfidence(wi.Confidence),
			Quotes:     quotes,
		})
	}

	for _, wc := range rawConns {
		result.Connections = append(result.Connections, ExtractedConnection{
			IssueA:   strings.TrimSpace(wc.IssueA),
			IssueB:   strings.TrimSpace(wc.IssueB),
			Type:     issues.ParseConnectionType(wc.Type),
			Evidence: wc.Evidence,
		})
	}

	return result, nil
}

func decodeList(data json.RawMessage, dst interface{}) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	if trimmed[0] != '[' {
		return fmt.Errorf("expected array, got %q", firstToken(trimmed))
	}
	return json.Unmarshal(trimmed, dst)
}

func firstToken(b []byte) string {
	if len(b) > 16 {
		return string(b[:16]) + "..."
	}
	return string(b)
}

// findJSONObjects returns every balanced top-level {...} span in s, in order.
// Braces inside JSON strings are ignored.
func findJSONObjects(s string) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, s[start:i+1])
				start = -1
			}
		}
	}
	return out
}

// FindJSONObject returns the first balanced top-level {...} block in s, or ""
func FindJSONObject(s string) string {
	objs := findJSONObjects(s)
	if len(objs) == 0 {
		return ""
	}
	return objs[0]
}
