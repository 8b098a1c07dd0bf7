package api

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"nexo/backend/internal/issues"
)

type appendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
}

func (h *Handler) createConversation(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	conv, err := h.store.CreateConversation(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "Failed to create conversation", err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) getActiveConversation(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	conv, err := h.store.GetActiveConversation(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "Failed to get conversation", err)
		return
	}
	// null when the user has none yet
	c.JSON(http.StatusOK, conv)
}

// ownConversation loads id and checks it belongs to userID. It writes the
// response itself when the answer is no.
func (h *Handler) ownConversation(c *gin.Context, userID, id string) bool {
	conv, err := h.store.GetConversation(c.Request.Context(), id)
	if errors.Is(err, issues.ErrNotFound) || (err == nil && conv.UserID != userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return false
	}
	if err != nil {
		h.fail(c, "Failed to load conversation", err)
		return false
	}
	return true
}

func (h *Handler) appendMessage(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	var req appendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation_id"})
		return
	}
	if req.Role != issues.RoleUser && req.Role != issues.RoleAssistant {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid role"})
		return
	}
	if n := utf8.RuneCountInString(req.Content); n == 0 || n > issues.MaxMessageLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid content"})
		return
	}

	if !h.ownConversation(c, userID, req.ConversationID) {
		return
	}

	msg, err := h.store.AppendMessage(c.Request.Context(), issues.Message{
		ConversationID: req.ConversationID,
		Role:           req.Role,
		Content:        req.Content,
	})
	if err != nil {
		h.fail(c, "Failed to save message", err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) listMessages(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	id := strings.TrimSpace(c.Query("conversationId"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId required"})
		return
	}
	if !h.ownConversation(c, userID, id) {
		return
	}

	msgs, err := h.store.ListMessages(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to get messages", err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}
