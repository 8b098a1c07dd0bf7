package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

type refreshResponse struct {
	Success              bool   `json:"success"`
	IssuesExtracted      int    `json:"issuesExtracted"`
	ConnectionsExtracted int    `json:"connectionsExtracted"`
	MessagesProcessed    int    `json:"messagesProcessed"`
	ReflectionPrompt     string `json:"reflectionPrompt"`
	Message              string `json:"message,omitempty"`
}

func (h *Handler) refresh(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if h.refreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.refreshTimeout)
		defer cancel()
	}

	res, err := h.refresher.Run(ctx, userID)
	if err != nil {
		h.fail(c, "Refresh failed", err)
		return
	}

	resp := refreshResponse{
		Success:              res.Success,
		IssuesExtracted:      res.IssuesExtracted,
		ConnectionsExtracted: res.ConnectionsExtracted,
		MessagesProcessed:    res.MessagesProcessed,
		ReflectionPrompt:     res.ReflectionPrompt,
	}
	if res.MessagesProcessed == 0 {
		resp.Message = "No new messages to process"
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) constellation(c *gin.Context) {
	if _, ok := callerID(c); !ok {
		return
	}
	snap, err := h.views.Shared(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to build constellation", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) mine(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	mine, err := h.views.Mine(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "Failed to load user issues", err)
		return
	}
	c.JSON(http.StatusOK, mine)
}
