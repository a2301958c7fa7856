// Memory HTTP handlers
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/parley-ai/parley/pkg/db"
	"github.com/parley-ai/parley/pkg/service"
)

// MemoryHandler handles memory HTTP requests
type MemoryHandler struct {
	memoryService *service.MemoryService
}

// NewMemoryHandler creates a new memory handler
func NewMemoryHandler(memoryService *service.MemoryService) *MemoryHandler {
	return &MemoryHandler{memoryService: memoryService}
}

// RegisterRoutes registers memory routes
func (h *MemoryHandler) RegisterRoutes(r *gin.RouterGroup) {
	memories := r.Group("/memories")
	{
		memories.POST("", h.CreateMemory)
		memories.GET("", h.ListMemories)
		memories.POST("/search", h.SearchMemories)
		memories.POST("/cleanup", h.CleanupMemories)
		memories.GET("/:id", h.GetMemory)
		memories.PATCH("/:id", h.UpdateMemory)
		memories.DELETE("/:id", h.DeleteMemory)
	}
}

// CreateMemory stores a new memory
// POST /api/v1/memories
func (h *MemoryHandler) CreateMemory(c *gin.Context) {
	tenantID, userID, ok := callerIdentity(c)
	if !ok {
		return
	}

	var req db.CreateMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	memory, err := h.memoryService.Store(c.Request.Context(), tenantID, userID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, memory)
}

// ListMemories lists the caller's memories
// GET /api/v1/memories?type=fact
func (h *MemoryHandler) ListMemories(c *gin.Context) {
	tenantID, userID, ok := callerIdentity(c)
	if !ok {
		return
	}

	memories, err := h.memoryService.List(c.Request.Context(), tenantID, userID, db.MemoryType(c.Query("type")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": memories})
}

// SearchMemories runs a ranked memory search
// POST /api/v1/memories/search
func (h *MemoryHandler) SearchMemories(c *gin.Context) {
	tenantID, userID, ok := callerIdentity(c)
	if !ok {
		return
	}

	var req service.SearchMemoriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := h.memoryService.Search(c.Request.Context(), tenantID, userID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// CleanupMemories removes expired memories immediately
// POST /api/v1/memories/cleanup
func (h *MemoryHandler) CleanupMemories(c *gin.Context) {
	if _, _, ok := callerIdentity(c); !ok {
		return
	}

	removed, err := h.memoryService.CleanupExpiredMemories(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// GetMemory retrieves a memory by ID
// GET /api/v1/memories/:id
func (h *MemoryHandler) GetMemory(c *gin.Context) {
	tenantID, userID, ok := callerIdentity(c)
	if !ok {
		return
	}

	memory, err := h.memoryService.Get(c.Request.Context(), tenantID, userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, memory)
}

// UpdateMemory applies partial updates to a memory
// PATCH /api/v1/memories/:id
func (h *MemoryHandler) UpdateMemory(c *gin.Context) {
	tenantID, userID, ok := callerIdentity(c)
	if !ok {
		return
	}

	var req db.UpdateMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	memory, err := h.memoryService.Update(c.Request.Context(), tenantID, userID, c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, memory)
}

// DeleteMemory removes a memory
// DELETE /api/v1/memories/:id
func (h *MemoryHandler) DeleteMemory(c *gin.Context) {
	tenantID, userID, ok := callerIdentity(c)
	if !ok {
		return
	}

	if err := h.memoryService.Delete(c.Request.Context(), tenantID, userID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
