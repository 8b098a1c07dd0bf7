package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nexo/backend/internal/auth"
	"nexo/backend/internal/constellation"
	"nexo/backend/internal/issues"
	"nexo/backend/internal/metrics"
	"nexo/backend/internal/refresh"
	apperrors "nexo/backend/pkg/errors"
	"nexo/backend/pkg/logger"
)

// Store is the conversation side of persistence.
type Store interface {
	Ping(ctx context.Context) error
	CreateConversation(ctx context.Context, userID string) (issues.Conversation, error)
	GetConversation(ctx context.Context, id string) (*issues.Conversation, error)
	GetActiveConversation(ctx context.Context, userID string) (*issues.Conversation, error)
	AppendMessage(ctx context.Context, msg issues.Message) (issues.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]issues.Message, error)
}

// Refresher runs one refresh cycle.
type Refresher interface {
	Run(ctx context.Context, userID string) (*refresh.Result, error)
}

// Views serves the read models.
type Views interface {
	Shared(ctx context.Context) (*constellation.Snapshot, error)
	Mine(ctx context.Context, userID string) (*constellation.Mine, error)
}

// Handler holds the HTTP handlers' dependencies.
type Handler struct {
	store          Store
	refresher      Refresher
	views          Views
	refreshTimeout time.Duration
	logger         *zap.Logger
}

// NewHandler creates the HTTP handlers. refreshTimeout <= 0 leaves cycles
// bounded only by the request context.
func NewHandler(store Store, refresher Refresher, views Views, refreshTimeout time.Duration) *Handler {
	return &Handler{
		store:          store,
		refresher:      refresher,
		views:          views,
		refreshTimeout: refreshTimeout,
		logger:         logger.Named("api"),
	}
}

// Register mounts every route on router. Everything under /api requires a
// bearer token signed with jwtSecret.
func (h *Handler) Register(router *gin.Engine, jwtSecret []byte) {
	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.Use(auth.Middleware(jwtSecret))
	{
		api.POST("/conversations", h.createConversation)
		api.GET("/conversations", h.getActiveConversation)
		api.POST("/messages", h.appendMessage)
		api.GET("/messages", h.listMessages)
		api.POST("/refresh", h.refresh)
		api.GET("/constellation", h.constellation)
		api.GET("/me/issues", h.mine)
	}
}

func (h *Handler) health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// callerID returns the authenticated user. The middleware guarantees one is
// present, so a miss is answered as unauthenticated.
func callerID(c *gin.Context) (string, bool) {
	id, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	}
	return id, ok
}

// fail maps err onto a response. Error text never reaches the client.
func (h *Handler) fail(c *gin.Context, msg string, err error) {
	switch {
	case apperrors.IsErrorType(err, apperrors.ErrorTypeAuth):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	case apperrors.IsErrorType(err, apperrors.ErrorTypeParse):
		h.logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to parse analysis", "retryable": true})
	default:
		h.logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
