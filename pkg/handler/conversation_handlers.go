// Conversation HTTP handlers
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/quillchat/quillchat/pkg/models"
	"github.com/quillchat/quillchat/pkg/service"
)

type ConversationHandler struct {
	conversations *service.ConversationService
}

func NewConversationHandler(conversations *service.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

// RegisterRoutes registers conversation routes
func (h *ConversationHandler) RegisterRoutes(r *gin.RouterGroup) {
	group := r.Group("/conversations")
	{
		group.GET("", h.List)
		group.POST("", h.Create)
		group.GET(":id", h.Get)
		group.PUT(":id/title", h.UpdateTitle)
		group.DELETE(":id", h.Delete)
		group.GET(":id/messages", h.Messages)
	}
}

func (h *ConversationHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	resp, err := h.conversations.List(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to list conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": resp})
}

func (h *ConversationHandler) Create(c *gin.Context) {
	var req struct {
		Title     string `json:"title,omitempty"`
		Model     string `json:"model,omitempty"`
		PersonaID string `json:"persona_id,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Invalid parameters"})
		return
	}
	conv, err := h.conversations.Create(req.Title, req.Model, req.PersonaID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to create conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": conv})
}

func (h *ConversationHandler) Get(c *gin.Context) {
	conv, err := h.conversations.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "message": "Conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to read conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": conv})
}

func (h *ConversationHandler) UpdateTitle(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "Invalid parameters"})
		return
	}
	if err := h.conversations.UpdateTitle(c.Param("id"), req.Title); err != nil {
		switch {
		case models.IsValidation(err):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": err.Error()})
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "message": "Conversation not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to update title"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "message": "ok"})
}

func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.conversations.Delete(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to delete conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "message": "ok"})
}

func (h *ConversationHandler) Messages(c *gin.Context) {
	msgs, err := h.conversations.Messages(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "Failed to read messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": gin.H{"messages": msgs}})
}
