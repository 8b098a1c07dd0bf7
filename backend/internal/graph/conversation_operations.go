package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"nexo/backend/internal/issues"
	apperrors "nexo/backend/pkg/errors"
)

// ============================================================================
// Conversation Operations
// ============================================================================

const conversationFields = `
	c.id as id,
	c.user_id as user_id,
	c.is_active as is_active,
	c.created_at as created_at
`

func conversationFromRecord(record *neo4j.Record) issues.Conversation {
	return issues.Conversation{
		ID:        getStringFromRecord(record, "id"),
		UserID:    getStringFromRecord(record, "user_id"),
		IsActive:  getBoolFromRecord(record, "is_active"),
		CreatedAt: getTimeFromRecord(record, "created_at"),
	}
}

// CreateConversation starts a new active conversation for a user.
func (r *Repository) CreateConversation(ctx context.Context, userID string) (issues.Conversation, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MERGE (u:User {id: $userID})
		ON CREATE SET u.created_at = datetime($now), u.total_refreshes = 0
		CREATE (c:Conversation {
			id: $convID,
			user_id: $userID,
			is_active: true,
			created_at: datetime($now)
		})
		CREATE (u)-[:PARTICIPATED_IN]->(c)
		RETURN ` + conversationFields

	result, err := session.Run(ctx, query, map[string]interface{}{
		"userID": userID,
		"convID": uuid.New().String(),
		"now":    formatTime(time.Now()),
	})
	if err != nil {
		return issues.Conversation{}, apperrors.NewGraphQueryFailed("create conversation", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return issues.Conversation{}, apperrors.NewGraphQueryFailed("create conversation", err)
	}
	return conversationFromRecord(record), nil
}

// GetConversation loads a conversation by id.
func (r *Repository) GetConversation(ctx context.Context, id string) (*issues.Conversation, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `MATCH (c:Conversation {id: $id}) RETURN `+conversationFields, map[string]interface{}{
		"id": id,
	})
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed("get conversation", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, apperrors.NewGraphQueryFailed("get conversation", err)
		}
		return nil, fmt.Errorf("conversation %s: %w", id, issues.ErrNotFound)
	}
	conv := conversationFromRecord(result.Record())
	return &conv, nil
}

// GetActiveConversation returns the user's newest active conversation, or nil.
func (r *Repository) GetActiveConversation(ctx context.Context, userID string) (*issues.Conversation, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (:User {id: $userID})-[:PARTICIPATED_IN]->(c:Conversation {is_active: true})
		RETURN `+conversationFields+`
		ORDER BY c.created_at DESC
		LIMIT 1`, map[string]interface{}{"userID": userID})
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed("get active conversation", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, apperrors.NewGraphQueryFailed("get active conversation", err)
		}
		return nil, nil
	}
	conv := conversationFromRecord(result.Record())
	return &conv, nil
}

// ============================================================================
// Message Operations
// ============================================================================

const messageFields = `
	m.id as id,
	c.id as conversation_id,
	c.user_id as user_id,
	m.role as role,
	m.content as content,
	m.included_in_refresh as included_in_refresh,
	m.created_at as created_at
`

func messageFromRecord(record *neo4j.Record) issues.Message {
	return issues.Message{
		ID:                getStringFromRecord(record, "id"),
		ConversationID:    getStringFromRecord(record, "conversation_id"),
		UserID:            getStringFromRecord(record, "user_id"),
		Role:              getStringFromRecord(record, "role"),
		Content:           getStringFromRecord(record, "content"),
		IncludedInRefresh: getBoolFromRecord(record, "included_in_refresh"),
		CreatedAt:         getTimeFromRecord(record, "created_at"),
	}
}

// AppendMessage stores an unprocessed turn in an existing conversation.
func (r *Repository) AppendMessage(ctx context.Context, msg issues.Message) (issues.Message, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := `
		MATCH (c:Conversation {id: $convID})
		CREATE (m:Message {
			id: $msgID,
			role: $role,
			content: $content,
			included_in_refresh: false,
			created_at: datetime($now)
		})
		CREATE (c)-[:CONTAINS]->(m)
		RETURN ` + messageFields

	result, err := session.Run(ctx, query, map[string]interface{}{
		"convID":  msg.ConversationID,
		"msgID":   msg.ID,
		"role":    msg.Role,
		"content": msg.Content,
		"now":     formatTime(msg.CreatedAt),
	})
	if err != nil {
		return issues.Message{}, apperrors.NewGraphQueryFailed("append message", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return issues.Message{}, apperrors.NewGraphQueryFailed("append message", err)
		}
		return issues.Message{}, fmt.Errorf("conversation %s: %w", msg.ConversationID, issues.ErrNotFound)
	}
	return messageFromRecord(result.Record()), nil
}

// ListMessages returns a conversation's turns, oldest first.
func (r *Repository) ListMessages(ctx context.Context, conversationID string) ([]issues.Message, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (c:Conversation {id: $convID})-[:CONTAINS]->(m:Message)
		RETURN `+messageFields+`
		ORDER BY m.created_at, m.id`, map[string]interface{}{"convID": conversationID})
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed("list messages", err)
	}
	return collectMessages(ctx, result, "list messages")
}

// GetUnprocessedMessages returns every turn of the user's conversations not
// yet included in a refresh, oldest first.
func (r *Repository) GetUnprocessedMessages(ctx context.Context, userID string) ([]issues.Message, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (:User {id: $userID})-[:PARTICIPATED_IN]->(c:Conversation)-[:CONTAINS]->(m:Message)
		WHERE m.included_in_refresh = false
		RETURN `+messageFields+`
		ORDER BY m.created_at, m.id`, map[string]interface{}{"userID": userID})
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed("get unprocessed messages", err)
	}
	return collectMessages(ctx, result, "get unprocessed messages")
}

func collectMessages(ctx context.Context, result neo4j.ResultWithContext, op string) ([]issues.Message, error) {
	out := []issues.Message{}
	for result.Next(ctx) {
		out = append(out, messageFromRecord(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, apperrors.NewGraphQueryFailed(op, err)
	}
	return out, nil
}

// MarkProcessed flags the given turns of the user's conversations as
// included in a refresh.
func (r *Repository) MarkProcessed(ctx context.Context, userID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (:User {id: $userID})-[:PARTICIPATED_IN]->(:Conversation)-[:CONTAINS]->(m:Message)
		WHERE m.id IN $ids
		SET m.included_in_refresh = true
	`, map[string]interface{}{
		"userID": userID,
		"ids":    messageIDs,
	})
	if err == nil {
		_, err = result.Consume(ctx)
	}
	if err != nil {
		return apperrors.NewGraphQueryFailed("mark messages processed", err)
	}
	return nil
}
