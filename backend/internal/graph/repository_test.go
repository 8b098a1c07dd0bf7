package graph

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"nexo/backend/internal/issues"
)

// These tests require a running Neo4j instance.
// Set NEO4J_URI, NEO4J_USER, NEO4J_PASSWORD environment variables.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	uri := envOr("NEO4J_URI", "bolt://localhost:7687")
	repo, err := Connect(context.Background(), uri, envOr("NEO4J_USER", "neo4j"), envOr("NEO4J_PASSWORD", "password"))
	if err != nil {
		t.Skipf("Neo4j not reachable at %s: %v", uri, err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	return repo
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func cleanupIssues(t *testing.T, repo *Repository, ids ...string) {
	t.Cleanup(func() {
		ctx := context.Background()
		session := repo.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
		defer session.Close(ctx)
		_, _ = session.Run(ctx, `
			MATCH (c:CanonicalIssue) WHERE c.id IN $ids
			OPTIONAL MATCH (c)-[:HAS_AGGREGATE]->(a:AggregateIssue)
			DETACH DELETE c, a`, map[string]interface{}{"ids": ids})
	})
}

func TestRepository_CreateCanonicalIssue_Duplicate(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	name := "Test Issue " + uuid.New().String()

	created, err := repo.CreateCanonicalIssue(ctx, name, "integration test")
	if err != nil {
		t.Fatalf("CreateCanonicalIssue failed: %v", err)
	}
	cleanupIssues(t, repo, created.ID)

	_, err = repo.CreateCanonicalIssue(ctx, "  "+name+"  ", "")
	if !errors.Is(err, issues.ErrDuplicateIssue) {
		t.Fatalf("Expected ErrDuplicateIssue, got %v", err)
	}

	found, err := repo.FindCanonicalIssueByName(ctx, name)
	if err != nil {
		t.Fatalf("FindCanonicalIssueByName failed: %v", err)
	}
	if found.ID != created.ID {
		t.Errorf("Expected id %s, got %s", created.ID, found.ID)
	}
}

func TestRepository_AggregateIssueCAS(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created, err := repo.CreateCanonicalIssue(ctx, "CAS Issue "+uuid.New().String(), "")
	if err != nil {
		t.Fatalf("CreateCanonicalIssue failed: %v", err)
	}
	cleanupIssues(t, repo, created.ID)

	agg := issues.AggregateIssue{
		CanonicalIssueID: created.ID,
		TotalUsers:       1,
		EnergyScore:      0.8,
		StanceHistogram:  map[string]int{"Supports rent control": 1},
		ConsensusScore:   1,
	}
	if err := repo.PutAggregateIssue(ctx, agg, 0); err != nil {
		t.Fatalf("initial put failed: %v", err)
	}
	if err := repo.PutAggregateIssue(ctx, agg, 0); !errors.Is(err, issues.ErrStaleWrite) {
		t.Fatalf("Expected ErrStaleWrite on second insert, got %v", err)
	}

	stored, err := repo.GetAggregateIssue(ctx, created.ID)
	if err != nil || stored == nil {
		t.Fatalf("GetAggregateIssue failed: %v", err)
	}
	if stored.Version != 1 || stored.StanceHistogram["Supports rent control"] != 1 {
		t.Errorf("Unexpected stored aggregate: %+v", stored)
	}

	agg.TotalUsers = 2
	if err := repo.PutAggregateIssue(ctx, agg, 1); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := repo.PutAggregateIssue(ctx, agg, 1); !errors.Is(err, issues.ErrStaleWrite) {
		t.Fatalf("Expected ErrStaleWrite on stale update, got %v", err)
	}
}

func TestRepository_GetAggregateIssue_CorruptHistogram(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created, err := repo.CreateCanonicalIssue(ctx, "Corrupt Issue "+uuid.New().String(), "")
	if err != nil {
		t.Fatalf("CreateCanonicalIssue failed: %v", err)
	}
	cleanupIssues(t, repo, created.ID)

	agg := issues.AggregateIssue{CanonicalIssueID: created.ID, TotalUsers: 1, StanceHistogram: map[string]int{"a": 1}}
	if err := repo.PutAggregateIssue(ctx, agg, 0); err != nil {
		t.Fatalf("initial put failed: %v", err)
	}

	session := repo.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	result, err := session.Run(ctx, `
		MATCH (:CanonicalIssue {id: $id})-[:HAS_AGGREGATE]->(a:AggregateIssue)
		SET a.stance_histogram = '{not json'`, map[string]interface{}{"id": created.ID})
	if err == nil {
		_, err = result.Consume(ctx)
	}
	if err != nil {
		t.Fatalf("corrupting histogram failed: %v", err)
	}

	if _, err := repo.GetAggregateIssue(ctx, created.ID); err == nil {
		t.Error("Expected an error for an undecodable histogram")
	}
}

func TestRepository_AggregateConnectionCAS(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	x, err := repo.CreateCanonicalIssue(ctx, "Pair X "+uuid.New().String(), "")
	if err != nil {
		t.Fatalf("CreateCanonicalIssue failed: %v", err)
	}
	y, err := repo.CreateCanonicalIssue(ctx, "Pair Y "+uuid.New().String(), "")
	if err != nil {
		t.Fatalf("CreateCanonicalIssue failed: %v", err)
	}
	cleanupIssues(t, repo, x.ID, y.ID)

	conn := issues.AggregateConnection{IssueAID: y.ID, IssueBID: x.ID, TotalWeight: 1, UserCount: 1}
	if err := repo.PutAggregateConnection(ctx, conn, 0); err != nil {
		t.Fatalf("initial put failed: %v", err)
	}

	got, err := repo.GetAggregateConnection(ctx, x.ID, y.ID)
	if err != nil || got == nil {
		t.Fatalf("GetAggregateConnection failed: %v", err)
	}
	if got.Version != 1 || got.TotalWeight != 1 {
		t.Errorf("Unexpected connection: %+v", got)
	}
	if err := repo.PutAggregateConnection(ctx, conn, 0); !errors.Is(err, issues.ErrStaleWrite) {
		t.Fatalf("Expected ErrStaleWrite, got %v", err)
	}
}

func TestRepository_GetCanonicalIssue_NotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.GetCanonicalIssue(context.Background(), "non-existent-issue")
	if !errors.Is(err, issues.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
