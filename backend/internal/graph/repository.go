package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	apperrors "nexo/backend/pkg/errors"
	"nexo/backend/pkg/logger"
)

// Repository handles all Neo4j database operations.
//
// Graph layout:
//
//	(:User)-[:SENT]->(:Message)
//	(:User)-[:HOLDS_STANCE]->(:CanonicalIssue)
//	(:User)-[:ASSERTED]->(:UserConnection)
//	(:User)-[:RECEIVED]->(:ReflectionPrompt)
//	(:CanonicalIssue)-[:HAS_AGGREGATE]->(:AggregateIssue)
//	(:CanonicalIssue)-[:CONNECTED_TO]->(:CanonicalIssue)   issue a id < issue b id
//	(:CanonicalIssue)-[:MERGED_INTO]->(:CanonicalIssue)
type Repository struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewRepository creates a new graph repository
func NewRepository(driver neo4j.DriverWithContext) *Repository {
	return &Repository{
		driver: driver,
		logger: logger.Named("graph"),
	}
}

// Connect opens a driver and verifies the database is reachable.
func Connect(ctx context.Context, uri, user, password string) (*Repository, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, apperrors.NewGraphConnectionFailed(uri, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, apperrors.NewGraphConnectionFailed(uri, err)
	}
	return NewRepository(driver), nil
}

// Close closes the Neo4j driver connection
func (r *Repository) Close() error {
	return r.driver.Close(context.Background())
}

// Ping verifies the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.driver.VerifyConnectivity(ctx)
}

var schemaStatements = []string{
	`CREATE CONSTRAINT canonical_issue_id IF NOT EXISTS FOR (c:CanonicalIssue) REQUIRE c.id IS UNIQUE`,
	`CREATE CONSTRAINT canonical_issue_name IF NOT EXISTS FOR (c:CanonicalIssue) REQUIRE c.name_lower IS UNIQUE`,
	`CREATE CONSTRAINT aggregate_issue_id IF NOT EXISTS FOR (a:AggregateIssue) REQUIRE a.canonical_issue_id IS UNIQUE`,
	`CREATE CONSTRAINT user_id IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE`,
	`CREATE CONSTRAINT message_id IF NOT EXISTS FOR (m:Message) REQUIRE m.id IS UNIQUE`,
	`CREATE CONSTRAINT user_connection_id IF NOT EXISTS FOR (uc:UserConnection) REQUIRE uc.id IS UNIQUE`,
}

// EnsureSchema creates the uniqueness constraints the store relies on. The
// canonical_issue_name constraint is what turns a concurrent duplicate
// create into issues.ErrDuplicateIssue.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for _, stmt := range schemaStatements {
		result, err := session.Run(ctx, stmt, nil)
		if err == nil {
			_, err = result.Consume(ctx)
		}
		if err != nil {
			return apperrors.NewGraphQueryFailed("ensure schema", fmt.Errorf("%s: %w", stmt, err))
		}
	}

	r.logger.Info("Graph schema ensured", zap.Int("constraints", len(schemaStatements)))
	return nil
}
