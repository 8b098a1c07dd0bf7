package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"nexo/backend/internal/issues"
	apperrors "nexo/backend/pkg/errors"
)

// ============================================================================
// User Operations
// ============================================================================

// UpsertUserIssue records the user's current stance on a canonical issue,
// replacing any previous stance on the same issue.
func (r *Repository) UpsertUserIssue(ctx context.Context, ui issues.UserIssue) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	quotes := ui.Quotes
	if quotes == nil {
		quotes = []string{}
	}

	query := `
		MATCH (c:CanonicalIssue {id: $issueID})
		MERGE (u:User {id: $userID})
		ON CREATE SET u.created_at = datetime($now), u.total_refreshes = 0
		MERGE (u)-[s:HOLDS_STANCE]->(c)
		SET s.stance = $stance,
		    s.intensity = $intensity,
		    s.confidence = $confidence,
		    s.quotes = $quotes,
		    s.updated_at = datetime($now)
		RETURN count(s) as upserted
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"userID":     ui.UserID,
		"issueID":    ui.CanonicalIssueID,
		"stance":     ui.Stance,
		"intensity":  ui.Intensity,
		"confidence": string(ui.Confidence),
		"quotes":     quotes,
		"now":        formatTime(time.Now()),
	})
	if err != nil {
		return apperrors.NewGraphQueryFailed("upsert user issue", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return apperrors.NewGraphQueryFailed("upsert user issue", err)
	}
	if getIntFromRecord(record, "upserted") == 0 {
		return fmt.Errorf("canonical issue %s: %w", ui.CanonicalIssueID, issues.ErrNotFound)
	}
	return nil
}

// ListUserIssues returns the user's stances, most recently updated first.
func (r *Repository) ListUserIssues(ctx context.Context, userID string) ([]issues.UserIssue, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (u:User {id: $userID})-[s:HOLDS_STANCE]->(c:CanonicalIssue)
		RETURN u.id as user_id,
		       c.id as canonical_issue_id,
		       s.stance as stance,
		       s.intensity as intensity,
		       s.confidence as confidence,
		       s.quotes as quotes,
		       s.updated_at as updated_at
		ORDER BY s.updated_at DESC`, map[string]interface{}{"userID": userID})
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed("list user issues", err)
	}

	out := []issues.UserIssue{}
	for result.Next(ctx) {
		record := result.Record()
		out = append(out, issues.UserIssue{
			UserID:           getStringFromRecord(record, "user_id"),
			CanonicalIssueID: getStringFromRecord(record, "canonical_issue_id"),
			Stance:           getStringFromRecord(record, "stance"),
			Intensity:        getFloat64FromRecord(record, "intensity"),
			Confidence:       issues.Confidence(getStringFromRecord(record, "confidence")),
			Quotes:           getStringSliceFromRecord(record, "quotes"),
			UpdatedAt:        getTimeFromRecord(record, "updated_at"),
		})
	}
	if err := result.Err(); err != nil {
		return nil, apperrors.NewGraphQueryFailed("list user issues", err)
	}
	return out, nil
}

// AppendUserConnection stores one user's assertion about an issue pair.
// Rows are never merged.
func (r *Repository) AppendUserConnection(ctx context.Context, conn issues.UserConnection) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}

	query := `
		MERGE (u:User {id: $userID})
		ON CREATE SET u.created_at = datetime($now), u.total_refreshes = 0
		CREATE (uc:UserConnection {
			id: $id,
			user_id: $userID,
			issue_a_id: $a,
			issue_b_id: $b,
			connection_type: $type,
			evidence: $evidence,
			created_at: datetime($now)
		})
		CREATE (u)-[:ASSERTED]->(uc)
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"id":       conn.ID,
		"userID":   conn.UserID,
		"a":        conn.IssueAID,
		"b":        conn.IssueBID,
		"type":     string(conn.Type),
		"evidence": conn.Evidence,
		"now":      formatTime(conn.CreatedAt),
	})
	if err == nil {
		_, err = result.Consume(ctx)
	}
	if err != nil {
		return apperrors.NewGraphQueryFailed("append user connection", err)
	}
	return nil
}

// ListUserConnections returns the user's connection rows, newest first.
func (r *Repository) ListUserConnections(ctx context.Context, userID string) ([]issues.UserConnection, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (:User {id: $userID})-[:ASSERTED]->(uc:UserConnection)
		RETURN uc.id as id,
		       uc.user_id as user_id,
		       uc.issue_a_id as issue_a_id,
		       uc.issue_b_id as issue_b_id,
		       uc.connection_type as connection_type,
		       uc.evidence as evidence,
		       uc.created_at as created_at
		ORDER BY uc.created_at DESC`, map[string]interface{}{"userID": userID})
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed("list user connections", err)
	}

	out := []issues.UserConnection{}
	for result.Next(ctx) {
		record := result.Record()
		out = append(out, issues.UserConnection{
			ID:        getStringFromRecord(record, "id"),
			UserID:    getStringFromRecord(record, "user_id"),
			IssueAID:  getStringFromRecord(record, "issue_a_id"),
			IssueBID:  getStringFromRecord(record, "issue_b_id"),
			Type:      issues.ConnectionType(getStringFromRecord(record, "connection_type")),
			Evidence:  getStringFromRecord(record, "evidence"),
			CreatedAt: getTimeFromRecord(record, "created_at"),
		})
	}
	if err := result.Err(); err != nil {
		return nil, apperrors.NewGraphQueryFailed("list user connections", err)
	}
	return out, nil
}

// TouchProfileRefresh stamps the refresh time and bumps the refresh counter.
func (r *Repository) TouchProfileRefresh(ctx context.Context, userID string, at time.Time) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MERGE (u:User {id: $userID})
		ON CREATE SET u.created_at = datetime($now), u.total_refreshes = 0
		SET u.last_refresh_at = datetime($now),
		    u.total_refreshes = coalesce(u.total_refreshes, 0) + 1
	`, map[string]interface{}{
		"userID": userID,
		"now":    formatTime(at),
	})
	if err == nil {
		_, err = result.Consume(ctx)
	}
	if err != nil {
		return apperrors.NewGraphQueryFailed("touch profile refresh", err)
	}

	r.logger.Debug("Profile refresh recorded", zap.String("user_id", userID))
	return nil
}

// SaveReflectionPrompt stores a generated reflection question for the user.
func (r *Repository) SaveReflectionPrompt(ctx context.Context, userID, prompt string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MERGE (u:User {id: $userID})
		ON CREATE SET u.created_at = datetime($now), u.total_refreshes = 0
		CREATE (u)-[:RECEIVED]->(:ReflectionPrompt {
			id: $id,
			prompt_text: $prompt,
			created_at: datetime($now)
		})
	`, map[string]interface{}{
		"userID": userID,
		"id":     uuid.New().String(),
		"prompt": prompt,
		"now":    formatTime(time.Now()),
	})
	if err == nil {
		_, err = result.Consume(ctx)
	}
	if err != nil {
		return apperrors.NewGraphQueryFailed("save reflection prompt", err)
	}
	return nil
}

// GetProfile returns the user's refresh bookkeeping. Unknown users get an
// empty profile.
func (r *Repository) GetProfile(ctx context.Context, userID string) (issues.Profile, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (u:User {id: $userID})
		OPTIONAL MATCH (u)-[:RECEIVED]->(p:ReflectionPrompt)
		WITH u, p ORDER BY p.created_at DESC
		WITH u, collect(p.prompt_text)[0] as latest
		RETURN u.last_refresh_at as last_refresh_at,
		       u.total_refreshes as total_refreshes,
		       latest as latest_reflection
	`, map[string]interface{}{"userID": userID})
	if err != nil {
		return issues.Profile{}, apperrors.NewGraphQueryFailed("get profile", err)
	}

	profile := issues.Profile{UserID: userID}
	if result.Next(ctx) {
		record := result.Record()
		profile.LastRefreshAt = getTimePtrFromRecord(record, "last_refresh_at")
		profile.TotalRefreshes = getIntFromRecord(record, "total_refreshes")
		profile.LatestReflection = getStringFromRecord(record, "latest_reflection")
	}
	if err := result.Err(); err != nil {
		return issues.Profile{}, apperrors.NewGraphQueryFailed("get profile", err)
	}
	return profile, nil
}
