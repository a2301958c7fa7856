// Prompt HTTP handlers
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/service"
)

// PromptHandler handles prompt template HTTP requests
type PromptHandler struct {
	promptService *service.PromptService
}

// NewPromptHandler creates a new prompt handler
func NewPromptHandler(promptService *service.PromptService) *PromptHandler {
	return &PromptHandler{promptService: promptService}
}

// RegisterRoutes registers prompt routes
func (h *PromptHandler) RegisterRoutes(r *gin.RouterGroup) {
	prompts := r.Group("/prompts")
	{
		prompts.POST("", h.CreatePrompt)
		prompts.GET("", h.ListPrompts)
		prompts.GET("/resolve/:name", h.ResolvePrompt)
		prompts.GET("/:id", h.GetPrompt)
		prompts.GET("/:id/stats", h.GetPromptStats)
		prompts.POST("/:id/activate", h.ActivatePrompt)
		prompts.POST("/:id/deactivate", h.DeactivatePrompt)
		prompts.POST("/:id/interactions", h.RecordInteraction)
		prompts.DELETE("/:id", h.DeletePrompt)
	}
}

// CreatePrompt stores a new prompt version
// POST /api/v1/prompts
func (h *PromptHandler) CreatePrompt(c *gin.Context) {
	tenantID, _, ok := callerIdentity(c)
	if !ok {
		return
	}

	var req models.CreatePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	prompt, err := h.promptService.Create(c.Request.Context(), tenantID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, prompt)
}

// ListPrompts lists the tenant's prompt versions
// GET /api/v1/prompts?name=xxx&category=yyy
func (h *PromptHandler) ListPrompts(c *gin.Context) {
	tenantID, _, ok := callerIdentity(c)
	if !ok {
		return
	}

	prompts, err := h.promptService.List(c.Request.Context(), tenantID, c.Query("name"), c.Query("category"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts})
}

// ResolvePrompt resolves the version to serve for a prompt name
// GET /api/v1/prompts/resolve/:name
func (h *PromptHandler) ResolvePrompt(c *gin.Context) {
	tenantID, userID, ok := callerIdentity(c)
	if !ok {
		return
	}

	prompt, err := h.promptService.Resolve(c.Request.Context(), tenantID, c.Param("name"), tenantID+":"+userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, prompt)
}

// GetPrompt retrieves a prompt version by ID
// GET /api/v1/prompts/:id
func (h *PromptHandler) GetPrompt(c *gin.Context) {
	tenantID, _, ok := callerIdentity(c)
	if !ok {
		return
	}

	prompt, err := h.promptService.Get(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, prompt)
}

// GetPromptStats returns usage counters and success rate
// GET /api/v1/prompts/:id/stats
func (h *PromptHandler) GetPromptStats(c *gin.Context) {
	tenantID, _, ok := callerIdentity(c)
	if !ok {
		return
	}

	stats, err := h.promptService.Stats(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ActivatePrompt marks a prompt version active
// POST /api/v1/prompts/:id/activate
func (h *PromptHandler) ActivatePrompt(c *gin.Context) {
	h.setActive(c, true)
}

// DeactivatePrompt marks a prompt version inactive
// POST /api/v1/prompts/:id/deactivate
func (h *PromptHandler) DeactivatePrompt(c *gin.Context) {
	h.setActive(c, false)
}

func (h *PromptHandler) setActive(c *gin.Context, active bool) {
	tenantID, _, ok := callerIdentity(c)
	if !ok {
		return
	}

	prompt, err := h.promptService.SetActive(c.Request.Context(), tenantID, c.Param("id"), active)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, prompt)
}

// RecordInteraction records one interaction outcome for a prompt version
// POST /api/v1/prompts/:id/interactions
func (h *PromptHandler) RecordInteraction(c *gin.Context) {
	tenantID, _, ok := callerIdentity(c)
	if !ok {
		return
	}

	var req struct {
		Success bool `json:"success"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.promptService.RecordInteraction(c.Request.Context(), tenantID, c.Param("id"), req.Success); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

// DeletePrompt removes a prompt version
// DELETE /api/v1/prompts/:id
func (h *PromptHandler) DeletePrompt(c *gin.Context) {
	tenantID, _, ok := callerIdentity(c)
	if !ok {
		return
	}

	if err := h.promptService.Delete(c.Request.Context(), tenantID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
