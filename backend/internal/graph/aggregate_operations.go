package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"nexo/backend/internal/issues"
	apperrors "nexo/backend/pkg/errors"
)

// ============================================================================
// Aggregate Operations
//
// Aggregate writes are compare-and-swap on a version property. Each write
// first sets and removes a _lock property, which takes the node's write lock
// for the rest of the transaction, so the version it then reads cannot be
// overtaken by a concurrent writer.
// ============================================================================

// aggregateIssueFromRecord always returns the row; the error reports a
// histogram that could not be decoded.
func aggregateIssueFromRecord(record *neo4j.Record) (issues.AggregateIssue, error) {
	histogram, err := getHistogramFromRecord(record, "stance_histogram")
	return issues.AggregateIssue{
		CanonicalIssueID: getStringFromRecord(record, "canonical_issue_id"),
		TotalUsers:       getIntFromRecord(record, "total_users"),
		EnergyScore:      getFloat64FromRecord(record, "energy_score"),
		StanceHistogram:  histogram,
		ConsensusScore:   getFloat64FromRecord(record, "consensus_score"),
		Version:          getInt64FromRecord(record, "version"),
		UpdatedAt:        getTimeFromRecord(record, "updated_at"),
	}, err
}

const aggregateIssueFields = `
	c.id as canonical_issue_id,
	a.total_users as total_users,
	a.energy_score as energy_score,
	a.stance_histogram as stance_histogram,
	a.consensus_score as consensus_score,
	a.version as version,
	a.updated_at as updated_at
`

// GetAggregateIssue returns the aggregate for an issue, or nil when none exists.
func (r *Repository) GetAggregateIssue(ctx context.Context, canonicalID string) (*issues.AggregateIssue, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (c:CanonicalIssue {id: $id})-[:HAS_AGGREGATE]->(a:AggregateIssue)
		RETURN `+aggregateIssueFields, map[string]interface{}{"id": canonicalID})
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed("get aggregate issue", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, apperrors.NewGraphQueryFailed("get aggregate issue", err)
		}
		return nil, nil
	}
	// Folding into a half-read row would overwrite the stored counts.
	agg, err := aggregateIssueFromRecord(result.Record())
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed("get aggregate issue", err)
	}
	return &agg, nil
}

// ListAggregateIssues returns every aggregate row.
func (r *Repository) ListAggregateIssues(ctx context.Context) ([]issues.AggregateIssue, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (c:CanonicalIssue)-[:HAS_AGGREGATE]->(a:AggregateIssue)
		RETURN `+aggregateIssueFields+`
		ORDER BY a.energy_score DESC`, nil)
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed("list aggregate issues", err)
	}

	out := []issues.AggregateIssue{}
	for result.Next(ctx) {
		agg, err := aggregateIssueFromRecord(result.Record())
		if err != nil {
			r.logger.Warn("Serving aggregate without its stance histogram",
				zap.String("canonical_issue_id", agg.CanonicalIssueID),
				zap.Error(err),
			)
		}
		out = append(out, agg)
	}
	if err := result.Err(); err != nil {
		return nil, apperrors.NewGraphQueryFailed("list aggregate issues", err)
	}
	return out, nil
}

// PutAggregateIssue writes agg if the stored version still equals
// expectedVersion (0: no row yet). A lost race wraps issues.ErrStaleWrite.
func (r *Repository) PutAggregateIssue(ctx context.Context, agg issues.AggregateIssue, expectedVersion int64) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	histogram, err := encodeHistogram(agg.StanceHistogram)
	if err != nil {
		return fmt.Errorf("failed to encode histogram: %w", err)
	}

	params := map[string]interface{}{
		"id":         agg.CanonicalIssueID,
		"totalUsers": int64(agg.TotalUsers),
		"energy":     agg.EnergyScore,
		"histogram":  histogram,
		"consensus":  agg.ConsensusScore,
		"expected":   expectedVersion,
		"now":        formatTime(time.Now()),
	}

	var query string
	if expectedVersion == 0 {
		query = `
			MATCH (c:CanonicalIssue {id: $id})
			SET c._lock = true
			REMOVE c._lock
			WITH c
			OPTIONAL MATCH (c)-[:HAS_AGGREGATE]->(existing:AggregateIssue)
			WITH c, existing IS NULL as fresh
			FOREACH (ignored IN CASE WHEN fresh THEN [1] ELSE [] END |
				CREATE (c)-[:HAS_AGGREGATE]->(:AggregateIssue {
					canonical_issue_id: $id,
					total_users: $totalUsers,
					energy_score: $energy,
					stance_histogram: $histogram,
					consensus_score: $consensus,
					version: 1,
					updated_at: datetime($now)
				})
			)
			RETURN fresh as applied
		`
	} else {
		query = `
			MATCH (c:CanonicalIssue {id: $id})-[:HAS_AGGREGATE]->(a:AggregateIssue)
			SET a._lock = true
			REMOVE a._lock
			WITH a, a.version = $expected as fresh
			FOREACH (ignored IN CASE WHEN fresh THEN [1] ELSE [] END |
				SET a.total_users = $totalUsers,
				    a.energy_score = $energy,
				    a.stance_histogram = $histogram,
				    a.consensus_score = $consensus,
				    a.version = $expected + 1,
				    a.updated_at = datetime($now)
			)
			RETURN fresh as applied
		`
	}

	return r.runCAS(ctx, session, "put aggregate issue", query, params, agg.CanonicalIssueID)
}

func aggregateConnectionFromRecord(record *neo4j.Record) issues.AggregateConnection {
	return issues.AggregateConnection{
		IssueAID:    getStringFromRecord(record, "issue_a_id"),
		IssueBID:    getStringFromRecord(record, "issue_b_id"),
		TotalWeight: getIntFromRecord(record, "total_weight"),
		UserCount:   getIntFromRecord(record, "user_count"),
		Version:     getInt64FromRecord(record, "version"),
		UpdatedAt:   getTimeFromRecord(record, "updated_at"),
	}
}

const aggregateConnectionFields = `
	a.id as issue_a_id,
	b.id as issue_b_id,
	r.total_weight as total_weight,
	r.user_count as user_count,
	r.version as version,
	r.updated_at as updated_at
`

// GetAggregateConnection returns the aggregate for a canonically ordered
// pair, or nil when none exists.
func (r *Repository) GetAggregateConnection(ctx context.Context, issueA, issueB string) (*issues.AggregateConnection, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	a, b := issues.CanonicalPair(issueA, issueB)
	result, err := session.Run(ctx, `
		MATCH (a:CanonicalIssue {id: $a})-[r:CONNECTED_TO]->(b:CanonicalIssue {id: $b})
		RETURN `+aggregateConnectionFields, map[string]interface{}{"a": a, "b": b})
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed("get aggregate connection", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, apperrors.NewGraphQueryFailed("get aggregate connection", err)
		}
		return nil, nil
	}
	agg := aggregateConnectionFromRecord(result.Record())
	return &agg, nil
}

// ListAggregateConnections returns every aggregate connection.
func (r *Repository) ListAggregateConnections(ctx context.Context) ([]issues.AggregateConnection, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (a:CanonicalIssue)-[r:CONNECTED_TO]->(b:CanonicalIssue)
		RETURN `+aggregateConnectionFields+`
		ORDER BY r.total_weight DESC`, nil)
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed("list aggregate connections", err)
	}

	out := []issues.AggregateConnection{}
	for result.Next(ctx) {
		out = append(out, aggregateConnectionFromRecord(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, apperrors.NewGraphQueryFailed("list aggregate connections", err)
	}
	return out, nil
}

// PutAggregateConnection is the pair counterpart of PutAggregateIssue. The
// lock is taken on the lower-id endpoint.
func (r *Repository) PutAggregateConnection(ctx context.Context, agg issues.AggregateConnection, expectedVersion int64) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	a, b := issues.CanonicalPair(agg.IssueAID, agg.IssueBID)
	params := map[string]interface{}{
		"a":           a,
		"b":           b,
		"totalWeight": int64(agg.TotalWeight),
		"userCount":   int64(agg.UserCount),
		"expected":    expectedVersion,
		"now":         formatTime(time.Now()),
	}

	var query string
	if expectedVersion == 0 {
		query = `
			MATCH (a:CanonicalIssue {id: $a}), (b:CanonicalIssue {id: $b})
			SET a._lock = true
			REMOVE a._lock
			WITH a, b
			OPTIONAL MATCH (a)-[existing:CONNECTED_TO]->(b)
			WITH a, b, existing IS NULL as fresh
			FOREACH (ignored IN CASE WHEN fresh THEN [1] ELSE [] END |
				CREATE (a)-[:CONNECTED_TO {
					total_weight: $totalWeight,
					user_count: $userCount,
					version: 1,
					updated_at: datetime($now)
				}]->(b)
			)
			RETURN fresh as applied
		`
	} else {
		query = `
			MATCH (a:CanonicalIssue {id: $a})-[r:CONNECTED_TO]->(b:CanonicalIssue {id: $b})
			SET a._lock = true
			REMOVE a._lock
			WITH r, r.version = $expected as fresh
			FOREACH (ignored IN CASE WHEN fresh THEN [1] ELSE [] END |
				SET r.total_weight = $totalWeight,
				    r.user_count = $userCount,
				    r.version = $expected + 1,
				    r.updated_at = datetime($now)
			)
			RETURN fresh as applied
		`
	}

	return r.runCAS(ctx, session, "put aggregate connection", query, params, a+"-"+b)
}

// runCAS runs a compare-and-swap query returning one "applied" row. No row
// means the target vanished or never existed.
func (r *Repository) runCAS(ctx context.Context, session neo4j.SessionWithContext, op, query string, params map[string]interface{}, key string) error {
	result, err := session.Run(ctx, query, params)
	if err != nil {
		return apperrors.NewGraphQueryFailed(op, err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("%s %s: %w", op, key, issues.ErrStaleWrite)
			}
			return apperrors.NewGraphQueryFailed(op, err)
		}
		if params["expected"] == int64(0) {
			return fmt.Errorf("%s %s: %w", op, key, issues.ErrNotFound)
		}
		return fmt.Errorf("%s %s: %w", op, key, issues.ErrStaleWrite)
	}
	if !getBoolFromRecord(result.Record(), "applied") {
		return fmt.Errorf("%s %s: %w", op, key, issues.ErrStaleWrite)
	}
	if _, err := result.Consume(ctx); err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%s %s: %w", op, key, issues.ErrStaleWrite)
		}
		return apperrors.NewGraphQueryFailed(op, err)
	}
	return nil
}
