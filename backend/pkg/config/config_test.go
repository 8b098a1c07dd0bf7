package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "nexo/backend/pkg/errors"
)

func validConfig() *Config {
	return &Config{
		Port:                "8080",
		Env:                 "development",
		StoreBackend:        StoreMemory,
		LiteLLMURL:          "http://localhost:4000",
		ModelID:             "test-model",
		MatchStrategy:       MatchLexical,
		LexicalThreshold:    0.8,
		AggregateMaxRetries: 3,
		JWTSecret:           "secret",
	}
}

func TestValidate_MemoryBackendSkipsNeo4j(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Neo4jRequiresCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.StoreBackend = StoreNeo4j
	cfg.Neo4jURI = "bolt://localhost:7687"
	cfg.Neo4jUser = "neo4j"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeConfig))
}

func TestValidate_RejectsUnknownStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.MatchStrategy = "vibes"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RequiresJWTSecret(t *testing.T) {
	cfg := validConfig()
	cfg.JWTSecret = ""
	assert.Error(t, cfg.Validate())
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("MATCH_STRATEGY", "LEXICAL")
	t.Setenv("LEXICAL_THRESHOLD", "0.75")
	t.Setenv("REFLECTION_ENABLED", "false")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("REFRESH_TIMEOUT_SECONDS", "30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, MatchLexical, cfg.MatchStrategy)
	assert.InDelta(t, 0.75, cfg.LexicalThreshold, 1e-9)
	assert.False(t, cfg.ReflectionEnabled)
	assert.Equal(t, 30.0, cfg.RefreshTimeout.Seconds())
}
