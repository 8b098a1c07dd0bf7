package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nexo/backend/internal/adapter"
	"nexo/backend/internal/aggregate"
	"nexo/backend/internal/api"
	"nexo/backend/internal/constellation"
	"nexo/backend/internal/extraction"
	"nexo/backend/internal/graph"
	"nexo/backend/internal/refresh"
	"nexo/backend/internal/resolver"
	"nexo/backend/pkg/config"
	"nexo/backend/pkg/logger"
)

// store is everything the server needs from a persistence backend.
type store interface {
	resolver.Store
	aggregate.Store
	refresh.Store
	constellation.Store
	api.Store
	Close() error
}

var (
	_ store = (*graph.Repository)(nil)
	_ store = (*graph.MemoryStore)(nil)
)

func main() {
	// Initialize logger
	if err := logger.Init(os.Getenv("ENV")); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting Nexo API server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	llm := adapter.NewLLMAdapter(cfg.LiteLLMURL, cfg.OpenRouterAPIKey, cfg.ModelID, cfg.LLMRequestsPerSecond)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := buildRouter(cfg, st, llm, log)

	// Start server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Server started",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreBackend),
		zap.String("match_strategy", cfg.MatchStrategy),
		zap.String("model", llm.Model()),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited")
}

// openStore returns the configured persistence backend. The Neo4j backend
// gets its constraints applied before first use.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Warn("Using in-memory store; data is lost on restart")
		return graph.NewMemoryStore(), nil
	default:
		repo, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
		return repo, nil
	}
}

// newMatcher picks the issue matching strategy.
func newMatcher(cfg *config.Config, llm resolver.Generator) resolver.Matcher {
	if cfg.MatchStrategy == config.MatchLexical {
		return resolver.NewLexicalMatcher(cfg.LexicalThreshold)
	}
	return resolver.NewSemanticMatcher(llm)
}

// generator is the LLM surface shared by extraction, matching and reflection.
type generator interface {
	extraction.Generator
	resolver.Generator
	refresh.Generator
}

// buildRouter wires the pipeline and mounts every route.
func buildRouter(cfg *config.Config, st store, llm generator, log *zap.Logger) *gin.Engine {
	var reflector refresh.Reflector
	if cfg.ReflectionEnabled {
		reflector = refresh.NewLLMReflector(llm)
	}

	orch := refresh.NewOrchestrator(
		st,
		extraction.NewExtractor(llm),
		resolver.New(st, newMatcher(cfg, llm)),
		aggregate.NewEngine(st, cfg.AggregateMaxRetries),
		reflector,
	)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	api.NewHandler(st, orch, constellation.NewService(st), cfg.RefreshTimeout).
		Register(router, []byte(cfg.JWTSecret))
	return router
}

// corsMiddleware allows the browser client on another origin to call the API.
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Authorization", "Content-Type", "X-Requested-With"},
		MaxAge:          12 * time.Hour,
	})
}

// ginLogger is a custom logger middleware for Gin
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
