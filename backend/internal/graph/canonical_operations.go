package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"nexo/backend/internal/issues"
	apperrors "nexo/backend/pkg/errors"
)

// ============================================================================
// Canonical Issue Operations
// ============================================================================

const canonicalIssueFields = `
	c.id as id,
	c.name as name,
	c.description as description,
	c.aliases as aliases,
	c.is_active as is_active,
	c.merged_into_id as merged_into_id,
	c.created_at as created_at
`

func canonicalIssueFromRecord(record *neo4j.Record) issues.CanonicalIssue {
	return issues.CanonicalIssue{
		ID:           getStringFromRecord(record, "id"),
		Name:         getStringFromRecord(record, "name"),
		Description:  getStringFromRecord(record, "description"),
		Aliases:      getStringSliceFromRecord(record, "aliases"),
		IsActive:     getBoolFromRecord(record, "is_active"),
		MergedIntoID: getStringFromRecord(record, "merged_into_id"),
		CreatedAt:    getTimeFromRecord(record, "created_at"),
	}
}

func (r *Repository) listCanonicalIssues(ctx context.Context, where string) ([]issues.CanonicalIssue, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `MATCH (c:CanonicalIssue) ` + where + ` RETURN ` + canonicalIssueFields + ` ORDER BY c.created_at, c.id`

	result, err := session.Run(ctx, query, nil)
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed("list canonical issues", err)
	}

	out := []issues.CanonicalIssue{}
	for result.Next(ctx) {
		out = append(out, canonicalIssueFromRecord(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, apperrors.NewGraphQueryFailed("list canonical issues", err)
	}
	return out, nil
}

// ListActiveCanonicalIssues returns active, unmerged issues in creation order.
func (r *Repository) ListActiveCanonicalIssues(ctx context.Context) ([]issues.CanonicalIssue, error) {
	return r.listCanonicalIssues(ctx, `WHERE c.is_active = true AND c.merged_into_id IS NULL`)
}

// ListCanonicalIssues returns every canonical issue, merged ones included.
func (r *Repository) ListCanonicalIssues(ctx context.Context) ([]issues.CanonicalIssue, error) {
	return r.listCanonicalIssues(ctx, "")
}

// GetCanonicalIssue loads one issue by id.
func (r *Repository) GetCanonicalIssue(ctx context.Context, id string) (*issues.CanonicalIssue, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `MATCH (c:CanonicalIssue {id: $id}) RETURN `+canonicalIssueFields, map[string]interface{}{
		"id": id,
	})
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed("get canonical issue", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, apperrors.NewGraphQueryFailed("get canonical issue", err)
		}
		return nil, fmt.Errorf("canonical issue %s: %w", id, issues.ErrNotFound)
	}
	issue := canonicalIssueFromRecord(result.Record())
	return &issue, nil
}

// FindCanonicalIssueByName looks an issue up by its primary name, ignoring case.
func (r *Repository) FindCanonicalIssueByName(ctx context.Context, name string) (*issues.CanonicalIssue, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `MATCH (c:CanonicalIssue {name_lower: $nameLower}) RETURN `+canonicalIssueFields, map[string]interface{}{
		"nameLower": strings.ToLower(strings.TrimSpace(name)),
	})
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed("find canonical issue", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, apperrors.NewGraphQueryFailed("find canonical issue", err)
		}
		return nil, fmt.Errorf("canonical issue %q: %w", name, issues.ErrNotFound)
	}
	issue := canonicalIssueFromRecord(result.Record())
	return &issue, nil
}

// CreateCanonicalIssue inserts a new active issue. A name already taken
// (ignoring case) yields issues.ErrDuplicateIssue via the schema constraint.
func (r *Repository) CreateCanonicalIssue(ctx context.Context, name, description string) (issues.CanonicalIssue, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	name = strings.TrimSpace(name)
	now := time.Now().UTC()

	query := `
		CREATE (c:CanonicalIssue {
			id: $id,
			name: $name,
			name_lower: $nameLower,
			description: $description,
			aliases: [],
			is_active: true,
			created_at: datetime($now)
		})
		RETURN ` + canonicalIssueFields

	var desc interface{}
	if description != "" {
		desc = description
	}

	result, err := session.Run(ctx, query, map[string]interface{}{
		"id":          uuid.New().String(),
		"name":        name,
		"nameLower":   strings.ToLower(name),
		"description": desc,
		"now":         formatTime(now),
	})
	var record *neo4j.Record
	if err == nil {
		record, err = result.Single(ctx)
	}
	if err != nil {
		if isConstraintViolation(err) {
			return issues.CanonicalIssue{}, fmt.Errorf("create %q: %w", name, issues.ErrDuplicateIssue)
		}
		return issues.CanonicalIssue{}, apperrors.NewGraphQueryFailed("create canonical issue", err)
	}

	issue := canonicalIssueFromRecord(record)
	r.logger.Info("Canonical issue created",
		zap.String("canonical_issue_id", issue.ID),
		zap.String("name", issue.Name),
	)
	return issue, nil
}

// UpdateCanonicalIssueAliases replaces the alias list of an issue.
func (r *Repository) UpdateCanonicalIssueAliases(ctx context.Context, id string, aliases []string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (c:CanonicalIssue {id: $id})
		SET c.aliases = $aliases
		RETURN count(c) as updated
	`, map[string]interface{}{
		"id":      id,
		"aliases": aliases,
	})
	if err != nil {
		return apperrors.NewGraphQueryFailed("update aliases", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return apperrors.NewGraphQueryFailed("update aliases", err)
	}
	if getIntFromRecord(record, "updated") == 0 {
		return fmt.Errorf("canonical issue %s: %w", id, issues.ErrNotFound)
	}
	return nil
}

// MergeCanonicalIssue deactivates source, points it at target and stores
// targetAliases on target.
func (r *Repository) MergeCanonicalIssue(ctx context.Context, sourceID, targetID string, targetAliases []string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (s:CanonicalIssue {id: $sourceID}), (t:CanonicalIssue {id: $targetID})
		SET s.is_active = false,
		    s.merged_into_id = $targetID,
		    t.aliases = $aliases
		MERGE (s)-[:MERGED_INTO]->(t)
		RETURN count(t) as merged
	`, map[string]interface{}{
		"sourceID": sourceID,
		"targetID": targetID,
		"aliases":  targetAliases,
	})
	if err != nil {
		return apperrors.NewGraphQueryFailed("merge canonical issues", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return apperrors.NewGraphQueryFailed("merge canonical issues", err)
	}
	if getIntFromRecord(record, "merged") == 0 {
		return fmt.Errorf("merge %s into %s: %w", sourceID, targetID, issues.ErrNotFound)
	}
	return nil
}
