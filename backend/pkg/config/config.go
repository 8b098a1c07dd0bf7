package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	apperrors "nexo/backend/pkg/errors"
)

// Store backends
const (
	StoreNeo4j  = "neo4j"
	StoreMemory = "memory"
)

// Issue matching strategies
const (
	MatchSemantic = "semantic"
	MatchLexical  = "lexical"
)

// Config holds all application configuration
type Config struct {
	// App
	Port string
	Env  string

	// Persistence
	StoreBackend  string
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// AI
	LiteLLMURL           string
	ModelID              string
	OpenRouterAPIKey     string
	LLMRequestsPerSecond float64

	// Pipeline
	MatchStrategy       string
	LexicalThreshold    float64
	AggregateMaxRetries int
	ReflectionEnabled   bool
	RefreshTimeout      time.Duration

	// Auth
	JWTSecret string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("ENV", "development"),
		StoreBackend:         strings.ToLower(getEnv("STORE_BACKEND", StoreNeo4j)),
		Neo4jURI:             getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:            getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:        getEnv("NEO4J_PASSWORD", "password"),
		LiteLLMURL:           getEnv("LITELLM_URL", "http://localhost:4000"),
		ModelID:              getEnv("MODEL_ID", "openrouter/anthropic/claude-sonnet-4"),
		OpenRouterAPIKey:     getEnv("OPENROUTER_API_KEY", ""),
		LLMRequestsPerSecond: getEnvFloat("LLM_REQUESTS_PER_SECOND", 2),
		MatchStrategy:        strings.ToLower(getEnv("MATCH_STRATEGY", MatchSemantic)),
		LexicalThreshold:     getEnvFloat("LEXICAL_THRESHOLD", 0.8),
		AggregateMaxRetries:  getEnvInt("AGGREGATE_MAX_RETRIES", 5),
		ReflectionEnabled:    getEnvBool("REFLECTION_ENABLED", true),
		RefreshTimeout:       time.Duration(getEnvInt("REFRESH_TIMEOUT_SECONDS", 120)) * time.Second,
		JWTSecret:            getEnv("JWT_SECRET", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreNeo4j:
		if c.Neo4jURI == "" {
			return apperrors.NewConfigMissingRequired("NEO4J_URI")
		}
		if c.Neo4jUser == "" {
			return apperrors.NewConfigMissingRequired("NEO4J_USER")
		}
		if c.Neo4jPassword == "" {
			return apperrors.NewConfigMissingRequired("NEO4J_PASSWORD")
		}
	case StoreMemory:
	default:
		return apperrors.NewConfigValidationFailed("STORE_BACKEND", "must be neo4j or memory")
	}
	if c.LiteLLMURL == "" {
		return apperrors.NewConfigMissingRequired("LITELLM_URL")
	}
	if c.ModelID == "" {
		return apperrors.NewConfigMissingRequired("MODEL_ID")
	}
	if c.MatchStrategy != MatchSemantic && c.MatchStrategy != MatchLexical {
		return apperrors.NewConfigValidationFailed("MATCH_STRATEGY", "must be semantic or lexical")
	}
	if c.LexicalThreshold <= 0 || c.LexicalThreshold > 1 {
		return apperrors.NewConfigValidationFailed("LEXICAL_THRESHOLD", "must be in (0, 1]")
	}
	if c.AggregateMaxRetries < 1 {
		return apperrors.NewConfigValidationFailed("AGGREGATE_MAX_RETRIES", "must be at least 1")
	}
	if c.JWTSecret == "" {
		return apperrors.NewConfigMissingRequired("JWT_SECRET")
	}
	// OpenRouter API key is optional when LiteLLM holds the upstream credentials
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var result float64
		if _, err := fmt.Sscanf(value, "%f", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}
