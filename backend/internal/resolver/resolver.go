package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"nexo/backend/internal/issues"
	"nexo/backend/internal/metrics"
	apperrors "nexo/backend/pkg/errors"
	"nexo/backend/pkg/logger"
)

// Store is the canonical-issue persistence the resolver needs.
// CreateCanonicalIssue returns an error wrapping issues.ErrDuplicateIssue when
// the name (case-insensitive) is taken; FindCanonicalIssueByName returns one
// wrapping issues.ErrNotFound when nothing matches.
type Store interface {
	ListActiveCanonicalIssues(ctx context.Context) ([]issues.CanonicalIssue, error)
	GetCanonicalIssue(ctx context.Context, id string) (*issues.CanonicalIssue, error)
	CreateCanonicalIssue(ctx context.Context, name, description string) (issues.CanonicalIssue, error)
	FindCanonicalIssueByName(ctx context.Context, name string) (*issues.CanonicalIssue, error)
	UpdateCanonicalIssueAliases(ctx context.Context, id string, aliases []string) error
	MergeCanonicalIssue(ctx context.Context, sourceID, targetID string, targetAliases []string) error
}

// Resolution is where an extracted name ended up.
type Resolution struct {
	CanonicalID string
	Name        string
	Created     bool
}

// Resolver maps extracted names onto canonical issues.
type Resolver struct {
	store   Store
	matcher Matcher
	logger  *zap.Logger
}

// New creates a new resolver
func New(store Store, matcher Matcher) *Resolver {
	return &Resolver{
		store:   store,
		matcher: matcher,
		logger:  logger.Named("resolver"),
	}
}

// Batch is one refresh cycle's view of the canonical issues: the active set
// fetched at the start plus anything created or re-aliased since.
type Batch struct {
	r          *Resolver
	candidates []issues.CanonicalIssue
}

// NewBatch snapshots the active canonical issues for a refresh cycle.
func (r *Resolver) NewBatch(ctx context.Context) (*Batch, error) {
	candidates, err := r.store.ListActiveCanonicalIssues(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list canonical issues: %w", err)
	}
	active := make([]issues.CanonicalIssue, 0, len(candidates))
	for _, c := range candidates {
		if c.Matchable() {
			active = append(active, c)
		}
	}
	return &Batch{r: r, candidates: active}, nil
}

// Candidates returns the batch's current candidate set.
func (b *Batch) Candidates() []issues.CanonicalIssue {
	return b.candidates
}

// Resolve matches name against the batch, creating a canonical issue when
// nothing matches. A matched issue learns name as an alias.
func (b *Batch) Resolve(ctx context.Context, name string) (Resolution, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Resolution{}, fmt.Errorf("empty issue name")
	}

	decision, err := b.r.matcher.Match(ctx, name, b.candidates)
	if err != nil {
		return Resolution{}, err
	}
	if !decision.IsNew() && (decision.Index < 0 || decision.Index >= len(b.candidates)) {
		b.r.logger.Warn("Matcher returned an index outside the candidate set, treating as new",
			zap.String("issue", name),
			zap.Int("index", decision.Index),
		)
		decision = Decision{Index: NoMatch}
	}

	if !decision.IsNew() {
		return b.adopt(ctx, decision.Index, name)
	}
	return b.create(ctx, name, decision.Description)
}

func (b *Batch) adopt(ctx context.Context, idx int, name string) (Resolution, error) {
	matched := &b.candidates[idx]
	res := Resolution{CanonicalID: matched.ID, Name: matched.Name}

	aliases, added := matched.WithAlias(name)
	if added {
		if err := b.r.store.UpdateCanonicalIssueAliases(ctx, matched.ID, aliases); err != nil {
			// The stance still belongs to the matched issue.
			b.r.logger.Warn("Failed to record alias",
				zap.String("canonical_issue_id", matched.ID),
				zap.String("alias", name),
				zap.Error(err),
			)
		} else {
			matched.Aliases = aliases
		}
	}

	metrics.IssueResolutions.WithLabelValues("matched").Inc()
	b.r.logger.Debug("Matched existing canonical issue",
		zap.String("issue", name),
		zap.String("canonical_issue_id", matched.ID),
		zap.Bool("alias_added", added),
	)
	return res, nil
}

func (b *Batch) create(ctx context.Context, name, description string) (Resolution, error) {
	created, err := b.r.store.CreateCanonicalIssue(ctx, name, description)
	if err == nil {
		b.candidates = append(b.candidates, created)
		metrics.IssueResolutions.WithLabelValues("created").Inc()
		b.r.logger.Info("Created canonical issue",
			zap.String("issue", name),
			zap.String("canonical_issue_id", created.ID),
		)
		return Resolution{CanonicalID: created.ID, Name: created.Name, Created: true}, nil
	}
	if !errors.Is(err, issues.ErrDuplicateIssue) {
		return Resolution{}, fmt.Errorf("failed to create canonical issue: %w", err)
	}

	// Another cycle created it between our snapshot and our insert.
	conflict := apperrors.NewPersistenceConflict(name, err)
	existing, findErr := b.r.store.FindCanonicalIssueByName(ctx, name)
	if findErr != nil {
		return Resolution{}, fmt.Errorf("%w; lookup after conflict failed: %v", conflict, findErr)
	}

	metrics.IssueResolutions.WithLabelValues("conflict_fallback").Inc()
	metrics.ContainedFailures.WithLabelValues("persistence_conflict").Inc()

	if !existing.Matchable() {
		// A merged issue keeps its name; the stance belongs to whatever
		// absorbed it.
		target, err := b.r.activeTarget(ctx, existing)
		if err != nil {
			return Resolution{}, fmt.Errorf("%w; %v", conflict, err)
		}
		b.r.logger.Warn("Name belongs to a merged canonical issue, using its target",
			zap.String("issue", name),
			zap.String("merged_id", existing.ID),
			zap.String("canonical_issue_id", target.ID),
		)
		return b.adopt(ctx, b.indexOf(*target), name)
	}

	b.r.logger.Warn("Canonical issue already existed, using it",
		zap.String("issue", name),
		zap.String("canonical_issue_id", existing.ID),
		zap.Error(conflict),
	)
	b.indexOf(*existing)
	return Resolution{CanonicalID: existing.ID, Name: existing.Name}, nil
}

// indexOf returns the candidate position of issue, adding it when absent.
func (b *Batch) indexOf(issue issues.CanonicalIssue) int {
	for i, c := range b.candidates {
		if c.ID == issue.ID {
			return i
		}
	}
	b.candidates = append(b.candidates, issue)
	return len(b.candidates) - 1
}

// maxMergeHops bounds the walk along merged_into links.
const maxMergeHops = 16

// activeTarget follows merged_into links from issue to the active issue that
// finally absorbed it.
func (r *Resolver) activeTarget(ctx context.Context, issue *issues.CanonicalIssue) (*issues.CanonicalIssue, error) {
	current := issue
	for hop := 0; hop < maxMergeHops; hop++ {
		if current.Matchable() {
			return current, nil
		}
		if current.MergedIntoID == "" {
			return nil, fmt.Errorf("canonical issue %s is inactive and was not merged", current.ID)
		}
		next, err := r.store.GetCanonicalIssue(ctx, current.MergedIntoID)
		if err != nil {
			return nil, fmt.Errorf("failed to load merge target %s: %w", current.MergedIntoID, err)
		}
		current = next
	}
	return nil, fmt.Errorf("merge chain from %s is too long", issue.ID)
}

// Merge folds source into target: source is deactivated and pointed at
// target, and its name and aliases become aliases of target.
func (r *Resolver) Merge(ctx context.Context, sourceID, targetID string) error {
	if sourceID == targetID {
		return fmt.Errorf("cannot merge canonical issue %s into itself", sourceID)
	}

	source, err := r.store.GetCanonicalIssue(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("failed to load merge source: %w", err)
	}
	target, err := r.store.GetCanonicalIssue(ctx, targetID)
	if err != nil {
		return fmt.Errorf("failed to load merge target: %w", err)
	}
	if !source.Matchable() {
		return fmt.Errorf("merge source %s is not active", sourceID)
	}
	if !target.Matchable() {
		return fmt.Errorf("merge target %s is not active", targetID)
	}

	combined := append([]string{}, target.Aliases...)
	combined = append(combined, source.Name)
	combined = append(combined, source.Aliases...)
	aliases := issues.NormalizeAliases(target.Name, combined)

	if err := r.store.MergeCanonicalIssue(ctx, sourceID, targetID, aliases); err != nil {
		return fmt.Errorf("failed to merge canonical issues: %w", err)
	}

	r.logger.Info("Merged canonical issues",
		zap.String("source_id", sourceID),
		zap.String("target_id", targetID),
		zap.Int("aliases", len(aliases)),
	)
	return nil
}
