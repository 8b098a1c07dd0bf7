package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nexo/backend/internal/issues"
	"nexo/backend/internal/metrics"
	"nexo/backend/pkg/logger"
)

// DefaultMaxRetries bounds compare-and-swap attempts per aggregate row.
const DefaultMaxRetries = 5

// Store is the persistence the engine needs. Put* calls are compare-and-swap:
// expectedVersion 0 inserts only when the row is absent, any other value
// updates only when the stored version still matches. A lost race returns
// an error wrapping issues.ErrStaleWrite.
type Store interface {
	GetAggregateIssue(ctx context.Context, canonicalID string) (*issues.AggregateIssue, error)
	PutAggregateIssue(ctx context.Context, agg issues.AggregateIssue, expectedVersion int64) error
	AppendUserConnection(ctx context.Context, conn issues.UserConnection) error
	GetAggregateConnection(ctx context.Context, issueA, issueB string) (*issues.AggregateConnection, error)
	PutAggregateConnection(ctx context.Context, agg issues.AggregateConnection, expectedVersion int64) error
}

// Engine folds single contributions into the shared aggregate rows.
type Engine struct {
	store      Store
	maxRetries int
	logger     *zap.Logger
}

// NewEngine creates a new aggregation engine
func NewEngine(store Store, maxRetries int) *Engine {
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}
	return &Engine{
		store:      store,
		maxRetries: maxRetries,
		logger:     logger.Named("aggregate"),
	}
}

// ApplyIssue folds one user's contribution into the canonical issue's aggregate.
func (e *Engine) ApplyIssue(ctx context.Context, canonicalID string, c Contribution) (issues.AggregateIssue, error) {
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		existing, err := e.store.GetAggregateIssue(ctx, canonicalID)
		if err != nil {
			return issues.AggregateIssue{}, fmt.Errorf("failed to read aggregate issue: %w", err)
		}

		var expected int64
		if existing != nil {
			expected = existing.Version
		}
		next := FoldIssue(existing, canonicalID, c)

		err = e.store.PutAggregateIssue(ctx, next, expected)
		if err == nil {
			next.Version = expected + 1
			return next, nil
		}
		if !errors.Is(err, issues.ErrStaleWrite) {
			return issues.AggregateIssue{}, fmt.Errorf("failed to write aggregate issue: %w", err)
		}

		metrics.AggregateRetries.WithLabelValues("issue").Inc()
		e.logger.Debug("Aggregate issue changed underneath us, retrying",
			zap.String("canonical_issue_id", canonicalID),
			zap.Int("attempt", attempt+1),
		)
	}
	return issues.AggregateIssue{}, fmt.Errorf("aggregate issue %s: gave up after %d attempts: %w", canonicalID, e.maxRetries, issues.ErrStaleWrite)
}

// ApplyConnection records one user's connection between two canonical
// issues: it appends the user's row and bumps the pair's aggregate. The
// user row is written even when the aggregate update fails.
func (e *Engine) ApplyConnection(ctx context.Context, userID, issueA, issueB string, typ issues.ConnectionType, evidence string) error {
	a, b := issues.CanonicalPair(issueA, issueB)

	var errs []error
	err := e.store.AppendUserConnection(ctx, issues.UserConnection{
		ID:        uuid.New().String(),
		UserID:    userID,
		IssueAID:  a,
		IssueBID:  b,
		Type:      typ,
		Evidence:  evidence,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to append user connection: %w", err))
	}

	if _, err := e.applyConnectionAggregate(ctx, a, b); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) applyConnectionAggregate(ctx context.Context, a, b string) (issues.AggregateConnection, error) {
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		existing, err := e.store.GetAggregateConnection(ctx, a, b)
		if err != nil {
			return issues.AggregateConnection{}, fmt.Errorf("failed to read aggregate connection: %w", err)
		}

		var expected int64
		if existing != nil {
			expected = existing.Version
		}
		next := FoldConnection(existing, a, b)

		err = e.store.PutAggregateConnection(ctx, next, expected)
		if err == nil {
			next.Version = expected + 1
			return next, nil
		}
		if !errors.Is(err, issues.ErrStaleWrite) {
			return issues.AggregateConnection{}, fmt.Errorf("failed to write aggregate connection: %w", err)
		}

		metrics.AggregateRetries.WithLabelValues("connection").Inc()
		e.logger.Debug("Aggregate connection changed underneath us, retrying",
			zap.String("issue_a_id", a),
			zap.String("issue_b_id", b),
			zap.Int("attempt", attempt+1),
		)
	}
	return issues.AggregateConnection{}, fmt.Errorf("aggregate connection %s-%s: gave up after %d attempts: %w", a, b, e.maxRetries, issues.ErrStaleWrite)
}
