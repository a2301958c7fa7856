// Chat HTTP handlers
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/service"
)

// ChatHandler handles chat and conversation HTTP requests
type ChatHandler struct {
	engine *service.ConversationEngine
}

// NewChatHandler creates a new chat handler
func NewChatHandler(engine *service.ConversationEngine) *ChatHandler {
	return &ChatHandler{engine: engine}
}

// RegisterRoutes registers chat routes
func (h *ChatHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/chat/completions", h.Chat)
	r.POST("/chat/cancel/:conversation_id", h.CancelStream)

	conversations := r.Group("/conversations")
	{
		conversations.POST("", h.CreateConversation)
		conversations.GET("", h.ListConversations)
		conversations.GET("/:id", h.GetConversation)
		conversations.PATCH("/:id", h.UpdateConversation)
		conversations.DELETE("/:id", h.DeleteConversation)
		conversations.GET("/:id/messages", h.GetMessages)
	}
}

// Chat runs one chat turn, streaming over SSE when requested
// POST /api/v1/chat/completions
func (h *ChatHandler) Chat(c *gin.Context) {
	tenantID, userID, ok := callerIdentity(c)
	if !ok {
		return
	}

	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Stream {
		h.handleStreamingChat(c, tenantID, userID, &req)
	} else {
		h.handleNonStreamingChat(c, tenantID, userID, &req)
	}
}

func (h *ChatHandler) handleNonStreamingChat(c *gin.Context, tenantID, userID string, req *models.ChatRequest) {
	response, err := h.engine.Chat(c.Request.Context(), tenantID, userID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *ChatHandler) handleStreamingChat(c *gin.Context, tenantID, userID string, req *models.ChatRequest) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	chunks, err := h.engine.ChatStream(c.Request.Context(), tenantID, userID, req)
	if err != nil {
		c.SSEvent("error", gin.H{"error": err.Error()})
		return
	}

	w := c.Writer
	for chunk := range chunks {
		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		w.Flush()
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	w.Flush()
}

// CancelStream cancels an in-flight stream
// POST /api/v1/chat/cancel/:conversation_id
func (h *ChatHandler) CancelStream(c *gin.Context) {
	if _, _, ok := callerIdentity(c); !ok {
		return
	}
	cancelled := h.engine.CancelStream(c.Param("conversation_id"))
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// CreateConversation creates a new conversation
// POST /api/v1/conversations
func (h *ChatHandler) CreateConversation(c *gin.Context) {
	tenantID, userID, ok := callerIdentity(c)
	if !ok {
		return
	}

	var req models.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.engine.CreateConversation(c.Request.Context(), tenantID, userID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// ListConversations lists the caller's conversations
// GET /api/v1/conversations?limit=20&offset=0
func (h *ChatHandler) ListConversations(c *gin.Context) {
	tenantID, userID, ok := callerIdentity(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	resp, err := h.engine.ListConversations(c.Request.Context(), tenantID, userID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetConversation retrieves a conversation
// GET /api/v1/conversations/:id
func (h *ChatHandler) GetConversation(c *gin.Context) {
	tenantID, userID, ok := callerIdentity(c)
	if !ok {
		return
	}

	conv, err := h.engine.GetConversation(c.Request.Context(), tenantID, userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// UpdateConversation updates title or status
// PATCH /api/v1/conversations/:id
func (h *ChatHandler) UpdateConversation(c *gin.Context) {
	tenantID, userID, ok := callerIdentity(c)
	if !ok {
		return
	}

	var req models.UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.engine.UpdateConversation(c.Request.Context(), tenantID, userID, c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// DeleteConversation soft-deletes a conversation
// DELETE /api/v1/conversations/:id
func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	tenantID, userID, ok := callerIdentity(c)
	if !ok {
		return
	}

	if err := h.engine.DeleteConversation(c.Request.Context(), tenantID, userID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// GetMessages returns the conversation's message log
// GET /api/v1/conversations/:id/messages?limit=0&offset=0
func (h *ChatHandler) GetMessages(c *gin.Context) {
	tenantID, userID, ok := callerIdentity(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	messages, err := h.engine.ListMessages(c.Request.Context(), tenantID, userID, c.Param("id"), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}
