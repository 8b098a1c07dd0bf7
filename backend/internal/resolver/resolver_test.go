package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexo/backend/internal/adapter"
	"nexo/backend/internal/graph"
	"nexo/backend/internal/issues"
)

type stubGenerator struct {
	answers []string
	err     error
	prompts []string
}

func (s *stubGenerator) Generate(ctx context.Context, systemPrompt, userMsg string, maxTokens int) (*adapter.Response, error) {
	s.prompts = append(s.prompts, userMsg)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.answers) == 0 {
		return &adapter.Response{Content: `{"match":"new"}`}, nil
	}
	answer := s.answers[0]
	s.answers = s.answers[1:]
	return &adapter.Response{Content: answer}, nil
}

// racingStore simulates another refresh cycle creating the same issue
// between our snapshot and our insert.
type racingStore struct {
	*graph.MemoryStore
	raced bool
}

func (s *racingStore) CreateCanonicalIssue(ctx context.Context, name, description string) (issues.CanonicalIssue, error) {
	if !s.raced {
		s.raced = true
		if _, err := s.MemoryStore.CreateCanonicalIssue(ctx, strings.ToLower(name), "created elsewhere"); err != nil {
			return issues.CanonicalIssue{}, err
		}
	}
	return s.MemoryStore.CreateCanonicalIssue(ctx, name, description)
}

type failingAliasStore struct {
	*graph.MemoryStore
}

func (s *failingAliasStore) UpdateCanonicalIssueAliases(ctx context.Context, id string, aliases []string) error {
	return errors.New("write timeout")
}

func seed(t *testing.T, store *graph.MemoryStore, name string, aliases ...string) issues.CanonicalIssue {
	t.Helper()
	ctx := context.Background()
	c, err := store.CreateCanonicalIssue(ctx, name, "")
	require.NoError(t, err)
	if len(aliases) > 0 {
		require.NoError(t, store.UpdateCanonicalIssueAliases(ctx, c.ID, aliases))
		c.Aliases = aliases
	}
	return c
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 1.0, Similarity("abc", "abc"))
	assert.InDelta(t, 0.8, Similarity("abcde", "abcdx"), 1e-9)
	assert.InDelta(t, 0.0, Similarity("abc", "xyz"), 1e-9)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "ai regulation", normalizeName("  AI-Regulation! "))
	assert.Equal(t, "housing affordability", normalizeName("Housing   Affordability"))
}

func TestLexicalMatcher(t *testing.T) {
	candidates := []issues.CanonicalIssue{
		{ID: "1", Name: "Climate Action"},
		{ID: "2", Name: "Housing Affordability", Aliases: []string{"rent control"}},
	}
	m := NewLexicalMatcher(0)
	ctx := context.Background()

	tests := []struct {
		name string
		want int
	}{
		{"housing affordability", 1},
		{"Housing Affordabilty", 1},
		{"Rent Control", 1},
		{"climate-action", 0},
		{"Immigration", NoMatch},
		{"Rent", NoMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := m.Match(ctx, tt.name, candidates)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Index)
		})
	}

	d, err := m.Match(ctx, "anything", nil)
	require.NoError(t, err)
	assert.True(t, d.IsNew())
}

func TestLexicalMatcher_ThresholdInclusive(t *testing.T) {
	candidates := []issues.CanonicalIssue{{ID: "1", Name: "abcde"}}
	d, err := NewLexicalMatcher(0.8).Match(context.Background(), "abcdx", candidates)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Index)

	d, err = NewLexicalMatcher(0.81).Match(context.Background(), "abcdx", candidates)
	require.NoError(t, err)
	assert.True(t, d.IsNew())
}

func TestBuildMatchPrompt(t *testing.T) {
	prompt := BuildMatchPrompt("Rent caps", []issues.CanonicalIssue{
		{Name: "Housing Affordability", Description: "Cost of homes", Aliases: []string{"rent control", "housing costs"}},
		{Name: "AI Regulation"},
	})
	assert.Contains(t, prompt, `1. "Housing Affordability" — Cost of homes (aliases: rent control, housing costs)`)
	assert.Contains(t, prompt, "\n2. \"AI Regulation\"\n")
	assert.Contains(t, prompt, `Extracted issue: "Rent caps"`)
}

func TestSemanticMatcher_Answers(t *testing.T) {
	candidates := []issues.CanonicalIssue{{ID: "a", Name: "Gun Control"}, {ID: "b", Name: "Climate Action"}}

	tests := []struct {
		name     string
		answer   string
		want     int
		wantDesc string
	}{
		{"existing", `{"match":"existing","index":2}`, 1, ""},
		{"existing in prose", "Sure! {\"match\": \"existing\", \"index\": 1} is my answer", 0, ""},
		{"new with description", `{"match":"new","description":" Policy on border control. "}`, NoMatch, "Policy on border control."},
		{"index zero", `{"match":"existing","index":0}`, NoMatch, ""},
		{"index too large", `{"match":"existing","index":3}`, NoMatch, ""},
		{"fractional index", `{"match":"existing","index":1.5}`, NoMatch, ""},
		{"index as string", `{"match":"existing","index":"1"}`, NoMatch, ""},
		{"missing index", `{"match":"existing"}`, NoMatch, ""},
		{"no json", "They look the same to me.", NoMatch, ""},
		{"broken json", `{"match": existing}`, NoMatch, ""},
		{"unknown kind", `{"match":"maybe"}`, NoMatch, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewSemanticMatcher(&stubGenerator{answers: []string{tt.answer}})
			d, err := m.Match(context.Background(), "Second Amendment", candidates)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Index)
			assert.Equal(t, tt.wantDesc, d.Description)
		})
	}
}

func TestSemanticMatcher_NoCandidatesSkipsCall(t *testing.T) {
	gen := &stubGenerator{}
	d, err := NewSemanticMatcher(gen).Match(context.Background(), "Immigration", nil)
	require.NoError(t, err)
	assert.True(t, d.IsNew())
	assert.Empty(t, gen.prompts)
}

func TestSemanticMatcher_CallFailure(t *testing.T) {
	boom := errors.New("upstream unavailable")
	_, err := NewSemanticMatcher(&stubGenerator{err: boom}).Match(context.Background(), "x", []issues.CanonicalIssue{{ID: "a", Name: "A"}})
	assert.ErrorIs(t, err, boom)
}

func TestBatch_CreatesThenMatchesWithinBatch(t *testing.T) {
	store := graph.NewMemoryStore()
	r := New(store, NewLexicalMatcher(0))
	ctx := context.Background()

	batch, err := r.NewBatch(ctx)
	require.NoError(t, err)

	first, err := batch.Resolve(ctx, "Housing Affordability")
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := batch.Resolve(ctx, "housing affordability")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.CanonicalID, second.CanonicalID)

	all, _ := store.ListCanonicalIssues(ctx)
	assert.Len(t, all, 1)
}

func TestBatch_MatchAddsAliasOnce(t *testing.T) {
	store := graph.NewMemoryStore()
	housing := seed(t, store, "Housing Affordability", "rent control")
	ctx := context.Background()

	gen := &stubGenerator{answers: []string{
		`{"match":"existing","index":1}`,
		`{"match":"existing","index":1}`,
		`{"match":"existing","index":1}`,
	}}
	batch, err := New(store, NewSemanticMatcher(gen)).NewBatch(ctx)
	require.NoError(t, err)

	res, err := batch.Resolve(ctx, "Rent Control")
	require.NoError(t, err)
	assert.Equal(t, housing.ID, res.CanonicalID)

	_, err = batch.Resolve(ctx, "Cost of housing")
	require.NoError(t, err)
	_, err = batch.Resolve(ctx, "cost of HOUSING")
	require.NoError(t, err)

	stored, _ := store.GetCanonicalIssue(ctx, housing.ID)
	assert.Equal(t, []string{"rent control", "Cost of housing"}, stored.Aliases)

	// The later prompt lists the alias learned earlier in the batch.
	assert.Contains(t, gen.prompts[2], "aliases: rent control, Cost of housing")
}

func TestBatch_NewIssueCarriesDescription(t *testing.T) {
	store := graph.NewMemoryStore()
	seed(t, store, "Climate Action")
	ctx := context.Background()

	gen := &stubGenerator{answers: []string{`{"match":"new","description":"Rules for AI systems."}`}}
	batch, err := New(store, NewSemanticMatcher(gen)).NewBatch(ctx)
	require.NoError(t, err)

	res, err := batch.Resolve(ctx, "AI Regulation")
	require.NoError(t, err)
	assert.True(t, res.Created)

	stored, _ := store.GetCanonicalIssue(ctx, res.CanonicalID)
	assert.Equal(t, "Rules for AI systems.", stored.Description)
	assert.Len(t, batch.Candidates(), 2)
}

func TestBatch_DuplicateCreateFallsBackToLookup(t *testing.T) {
	store := &racingStore{MemoryStore: graph.NewMemoryStore()}
	ctx := context.Background()

	batch, err := New(store, NewLexicalMatcher(0)).NewBatch(ctx)
	require.NoError(t, err)

	res, err := batch.Resolve(ctx, "Drug Policy")
	require.NoError(t, err)
	assert.False(t, res.Created)

	winner, err := store.FindCanonicalIssueByName(ctx, "drug policy")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, res.CanonicalID)

	again, err := batch.Resolve(ctx, "Drug Policy")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, again.CanonicalID)

	all, _ := store.ListCanonicalIssues(ctx)
	assert.Len(t, all, 1)
}

func TestBatch_AliasWriteFailureStillMatches(t *testing.T) {
	mem := graph.NewMemoryStore()
	housing := seed(t, mem, "Housing Affordability")
	ctx := context.Background()

	batch, err := New(&failingAliasStore{MemoryStore: mem}, NewLexicalMatcher(0)).NewBatch(ctx)
	require.NoError(t, err)

	res, err := batch.Resolve(ctx, "Housing Affordabilty")
	require.NoError(t, err)
	assert.Equal(t, housing.ID, res.CanonicalID)
}

func TestBatch_SkipsMergedCandidates(t *testing.T) {
	store := graph.NewMemoryStore()
	old := seed(t, store, "Carbon Tax")
	climate := seed(t, store, "Climate Action")
	ctx := context.Background()
	r := New(store, NewLexicalMatcher(0))

	require.NoError(t, r.Merge(ctx, old.ID, climate.ID))

	batch, err := r.NewBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Candidates(), 1)

	res, err := batch.Resolve(ctx, "carbon tax")
	require.NoError(t, err)
	assert.Equal(t, climate.ID, res.CanonicalID, "merged name lives on as an alias of the target")
}

func TestBatch_NewDecisionForMergedNameUsesTarget(t *testing.T) {
	store := graph.NewMemoryStore()
	old := seed(t, store, "Carbon Tax")
	climate := seed(t, store, "Climate Action")
	ctx := context.Background()
	r := New(store, NewSemanticMatcher(&stubGenerator{answers: []string{`{"match":"new"}`}}))
	require.NoError(t, r.Merge(ctx, old.ID, climate.ID))

	batch, err := r.NewBatch(ctx)
	require.NoError(t, err)

	res, err := batch.Resolve(ctx, "carbon tax")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, res.CanonicalID)
	assert.Equal(t, climate.ID, res.CanonicalID)
	assert.False(t, res.Created)

	require.Len(t, batch.Candidates(), 1)
	for _, c := range batch.Candidates() {
		assert.True(t, c.Matchable())
	}
}

func TestBatch_MergedNameFollowsMergeChain(t *testing.T) {
	store := graph.NewMemoryStore()
	first := seed(t, store, "Carbon Tax")
	middle := seed(t, store, "Carbon Pricing")
	last := seed(t, store, "Climate Action")
	ctx := context.Background()
	r := New(store, NewSemanticMatcher(&stubGenerator{}))
	require.NoError(t, r.Merge(ctx, first.ID, middle.ID))
	require.NoError(t, r.Merge(ctx, middle.ID, last.ID))

	batch, err := r.NewBatch(ctx)
	require.NoError(t, err)

	res, err := batch.Resolve(ctx, "Carbon Tax")
	require.NoError(t, err)
	assert.Equal(t, last.ID, res.CanonicalID)
}

func TestMerge(t *testing.T) {
	store := graph.NewMemoryStore()
	src := seed(t, store, "Gun Rights", "second amendment", "Climate Action")
	dst := seed(t, store, "Climate Action", "carbon policy")
	ctx := context.Background()
	r := New(store, NewLexicalMatcher(0))

	require.NoError(t, r.Merge(ctx, src.ID, dst.ID))

	target, _ := store.GetCanonicalIssue(ctx, dst.ID)
	assert.Equal(t, []string{"carbon policy", "Gun Rights", "second amendment"}, target.Aliases)

	source, _ := store.GetCanonicalIssue(ctx, src.ID)
	assert.False(t, source.IsActive)
	assert.Equal(t, dst.ID, source.MergedIntoID)

	assert.Error(t, r.Merge(ctx, dst.ID, dst.ID))
	assert.Error(t, r.Merge(ctx, dst.ID, src.ID), "cannot merge into an inactive issue")

	other := seed(t, store, "Energy Policy")
	assert.Error(t, r.Merge(ctx, src.ID, other.ID), "an already merged issue cannot be merged again")
	source, _ = store.GetCanonicalIssue(ctx, src.ID)
	assert.Equal(t, dst.ID, source.MergedIntoID)
	assert.ErrorIs(t, r.Merge(ctx, "missing", dst.ID), issues.ErrNotFound)
}

func TestBatch_MatcherErrorPropagates(t *testing.T) {
	store := graph.NewMemoryStore()
	seed(t, store, "Climate Action")
	ctx := context.Background()

	boom := fmt.Errorf("llm down")
	batch, err := New(store, NewSemanticMatcher(&stubGenerator{err: boom})).NewBatch(ctx)
	require.NoError(t, err)

	_, err = batch.Resolve(ctx, "AI Regulation")
	assert.ErrorIs(t, err, boom)

	all, _ := store.ListCanonicalIssues(ctx)
	assert.Len(t, all, 1, "nothing created when matching failed")
}
