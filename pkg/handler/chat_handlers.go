// Chat HTTP handlers
package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quillchat/quillchat/pkg/event"
	"github.com/quillchat/quillchat/pkg/models"
	"github.com/quillchat/quillchat/pkg/service"
)

// ChatHandler exposes the orchestrator over HTTP.
type ChatHandler struct {
	orch *service.ChatOrchestrator
}

// NewChatHandler creates a new chat handler
func NewChatHandler(orch *service.ChatOrchestrator) *ChatHandler {
	return &ChatHandler{orch: orch}
}

// RegisterRoutes registers chat routes
func (h *ChatHandler) RegisterRoutes(r *gin.RouterGroup) {
	chat := r.Group("/chat")
	{
		chat.POST("/send", h.Send)
		chat.POST("/stop", h.Stop)
		chat.POST("/retry", h.Retry)
		chat.POST("/edit", h.Edit)
		chat.DELETE("/messages/:id", h.DeleteMessage)
		chat.GET("/mode", h.GetMode)
		chat.PUT("/mode", h.SetMode)
		chat.GET("/:conversationId/snapshot", h.Snapshot)
		chat.GET("/:conversationId/stream", h.StreamSnapshots)
	}
}

// Send starts a generation turn. With an empty conversation_id the
// conversation is created on demand.
func (h *ChatHandler) Send(c *gin.Context) {
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Invalid parameters"})
		return
	}

	session, err := h.orch.SendMessage(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": gin.H{
		"conversation_id": session.ConversationID,
		"message_id":      session.MessageID,
	}})
}

// Stop aborts the conversation's live stream. Always succeeds: stopping an
// idle conversation is a no-op.
func (h *ChatHandler) Stop(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "conversation_id required"})
		return
	}
	h.orch.StopGeneration(req.ConversationID)
	c.JSON(http.StatusOK, gin.H{"code": 200, "message": "ok"})
}

// Retry regenerates from a message.
func (h *ChatHandler) Retry(c *gin.Context) {
	var req struct {
		ConversationID string                  `json:"conversation_id"`
		MessageID      string                  `json:"message_id"`
		RetryType      string                  `json:"retry_type"`
		Model          string                  `json:"model,omitempty"`
		Reasoning      *models.ReasoningConfig `json:"reasoning,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" || req.MessageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "conversation_id and message_id required"})
		return
	}

	var (
		session *service.StreamSession
		err     error
	)
	switch req.RetryType {
	case models.RetryTypeAssistant:
		session, err = h.orch.RetryAssistantMessage(c.Request.Context(), req.ConversationID, req.MessageID, req.Model, req.Reasoning)
	default:
		session, err = h.orch.RetryUserMessage(c.Request.Context(), req.ConversationID, req.MessageID, req.Model, req.Reasoning)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": gin.H{"message_id": session.MessageID}})
}

// Edit rewrites a user message and regenerates from that point.
func (h *ChatHandler) Edit(c *gin.Context) {
	var req models.EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" || req.MessageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "conversation_id and message_id required"})
		return
	}
	session, err := h.orch.EditMessage(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": gin.H{"message_id": session.MessageID}})
}

// DeleteMessage removes a single message.
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	conversationID := c.Query("conversation_id")
	if err := h.orch.DeleteMessage(c.Request.Context(), conversationID, c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "message": "ok"})
}

// GetMode reports the current execution mode.
func (h *ChatHandler) GetMode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": gin.H{"mode": h.orch.Mode()}})
}

// SetMode toggles between private and server execution.
func (h *ChatHandler) SetMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Invalid parameters"})
		return
	}
	if err := h.orch.ToggleMode(models.ChatMode(req.Mode)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "message": "ok"})
}

// Snapshot returns the full UI view of a conversation.
func (h *ChatHandler) Snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": h.orch.Snapshot(c.Param("conversationId"))})
}

// StreamSnapshots pushes conversation snapshots over SSE whenever the
// conversation changes, coalescing bursts of mutations.
func (h *ChatHandler) StreamSnapshots(c *gin.Context) {
	conversationID := c.Param("conversationId")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	dirty := make(chan struct{}, 1)
	markDirty := func() {
		select {
		case dirty <- struct{}{}:
		default:
		}
	}

	unsubscribe := event.Global().OnAny(func(ev event.Event) {
		switch e := ev.(type) {
		case event.MessageUpdatedEvent:
			if e.ConversationID == conversationID {
				markDirty()
			}
		case event.MessageRemovedEvent:
			if e.ConversationID == conversationID {
				markDirty()
			}
		case event.PhaseChangedEvent:
			if e.ConversationID == conversationID {
				markDirty()
			}
		case event.ChatStatusChangedEvent:
			if e.ConversationID == conversationID {
				markDirty()
			}
		}
	})
	defer unsubscribe()

	// Initial snapshot so the client renders immediately.
	c.SSEvent("snapshot", h.orch.Snapshot(conversationID))
	c.Writer.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-dirty:
			c.SSEvent("snapshot", h.orch.Snapshot(conversationID))
			c.Writer.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, ": ping\n\n")
			c.Writer.Flush()
		}
	}
}

// writeError maps orchestration errors onto HTTP responses.
func (h *ChatHandler) writeError(c *gin.Context, err error) {
	switch {
	case models.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": err.Error()})
	case models.IsServerRequest(err):
		var se *models.ServerRequestError
		errors.As(err, &se)
		c.JSON(http.StatusBadGateway, gin.H{"code": 502, "message": se.Message})
	case models.IsTransport(err):
		c.JSON(http.StatusBadGateway, gin.H{"code": 502, "message": "upstream request failed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": err.Error()})
	}
}
