// Shared handler helpers: caller identity and error mapping
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/parley-ai/parley/pkg/service"
)

// Identity headers. Every data-touching route requires both.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
)

// callerIdentity extracts the tenant and user from the request headers.
// Missing identity aborts the request with 400.
func callerIdentity(c *gin.Context) (tenantID, userID string, ok bool) {
	tenantID = c.GetHeader(HeaderTenantID)
	userID = c.GetHeader(HeaderUserID)
	if tenantID == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Tenant-ID and X-User-ID headers are required"})
		return "", "", false
	}
	return tenantID, userID, true
}

// respondError maps service sentinel errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, service.ErrMessageNotFound),
		errors.Is(err, service.ErrMemoryNotFound),
		errors.Is(err, service.ErrPromptNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrConversationNotActive),
		errors.Is(err, service.ErrPromptExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidContextConfig),
		errors.Is(err, service.ErrInvalidMemoryType),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrNoMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrModelUpstream),
		errors.Is(err, service.ErrModelNotConfigured):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
