package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/pantry-auth/internal/domain"
	"github.com/smallbiznis/pantry-auth/internal/service"
)

// TokenHandler implements the token, revocation and device authorization endpoints.
type TokenHandler struct {
	Tokens  *service.TokenService
	Devices *service.DeviceService
}

// NewTokenHandler creates the handler set.
func NewTokenHandler(tokens *service.TokenService, devices *service.DeviceService) *TokenHandler {
	return &TokenHandler{Tokens: tokens, Devices: devices}
}

// Token handles the refresh_token and device_code grants.
func (h *TokenHandler) Token(c *gin.Context) {
	var req struct {
		GrantType    string `form:"grant_type" binding:"required"`
		RefreshToken string `form:"refresh_token"`
		DeviceCode   string `form:"device_code"`
	}
	if err := c.ShouldBind(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "grant_type is required.")
		return
	}
	c.Header("Cache-Control", "no-store")

	meta := service.ClientMeta{UserAgent: c.Request.UserAgent()}
	var (
		pair domain.TokenPair
		err  error
	)
	switch strings.TrimSpace(req.GrantType) {
	case "refresh_token":
		if strings.TrimSpace(req.RefreshToken) == "" {
			abortWithError(c, http.StatusBadRequest, "invalid_request", "refresh_token is required.")
			return
		}
		meta.Flow = service.FlowRefresh
		pair, err = h.Tokens.Rotate(c.Request.Context(), req.RefreshToken, meta)
	case service.DeviceCodeGrantType:
		if strings.TrimSpace(req.DeviceCode) == "" {
			abortWithError(c, http.StatusBadRequest, "invalid_request", "device_code is required.")
			return
		}
		meta.Flow = service.FlowDevice
		pair, err = h.Devices.Poll(c.Request.Context(), req.DeviceCode, meta)
	default:
		abortWithError(c, http.StatusBadRequest, "unsupported_grant_type", "Unsupported grant type.")
		return
	}
	if err != nil {
		if errors.Is(err, domain.ErrInvalidToken) {
			abortWithError(c, http.StatusBadRequest, "invalid_grant", "Refresh token is invalid, expired or revoked.")
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Revoke implements RFC 7009: unknown tokens are not an error.
func (h *TokenHandler) Revoke(c *gin.Context) {
	token := strings.TrimSpace(c.PostForm("token"))
	if token == "" {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "token is required.")
		return
	}
	if _, err := h.Tokens.Revoke(c.Request.Context(), token); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// DeviceCode starts a device authorization request.
func (h *TokenHandler) DeviceCode(c *gin.Context) {
	auth, err := h.Devices.Start(c.Request.Context(), c.PostForm("client_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, auth)
}
