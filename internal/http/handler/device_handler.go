package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/pantry-auth/internal/http/middleware"
	"github.com/smallbiznis/pantry-auth/internal/service"
)

// DeviceHandler serves the verification page API used by signed-in users.
type DeviceHandler struct {
	Devices *service.DeviceService
}

// NewDeviceHandler creates the handler set.
func NewDeviceHandler(devices *service.DeviceService) *DeviceHandler {
	return &DeviceHandler{Devices: devices}
}

type userCodeRequest struct {
	UserCode string `json:"user_code" form:"user_code" binding:"required"`
}

// Verify shows what a user code would authorize.
func (h *DeviceHandler) Verify(c *gin.Context) {
	code, err := h.Devices.Lookup(c.Request.Context(), c.Query("user_code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_code":  service.FormatUserCode(code.UserCode),
		"client_id":  code.ClientID,
		"expires_at": code.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Approve binds the request to the signed-in user.
func (h *DeviceHandler) Approve(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		abortWithError(c, http.StatusUnauthorized, "invalid_token", "Authentication required.")
		return
	}
	var req userCodeRequest
	if err := c.ShouldBind(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "user_code is required.")
		return
	}
	if err := h.Devices.Approve(c.Request.Context(), req.UserCode, claims.Subject); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

// Deny rejects the request.
func (h *DeviceHandler) Deny(c *gin.Context) {
	var req userCodeRequest
	if err := c.ShouldBind(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "user_code is required.")
		return
	}
	if err := h.Devices.Deny(c.Request.Context(), req.UserCode); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "denied"})
}
