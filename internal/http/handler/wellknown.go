package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/pantry-auth/internal/service"
)

// WellKnownHandler publishes discovery documents.
type WellKnownHandler struct {
	Discovery *service.DiscoveryService
}

// NewWellKnownHandler creates the handler set.
func NewWellKnownHandler(discovery *service.DiscoveryService) *WellKnownHandler {
	return &WellKnownHandler{Discovery: discovery}
}

// JWKS exposes the public signing keys.
func (h *WellKnownHandler) JWKS(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, h.Discovery.JWKS())
}

// Metadata returns the authorization server metadata document.
func (h *WellKnownHandler) Metadata(c *gin.Context) {
	c.JSON(http.StatusOK, h.Discovery.Metadata())
}

// Healthz reports liveness.
func (h *WellKnownHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
