package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	authsvc "github.com/smallbiznis/pantry-auth/internal/service/auth"
)

const oauthStartPath = "/auth/oauth/%s/start"

// OAuthHandler serves third-party sign-in.
type OAuthHandler struct {
	OAuth *authsvc.OAuthService
}

// NewOAuthHandler creates the handler set.
func NewOAuthHandler(oauth *authsvc.OAuthService) *OAuthHandler {
	return &OAuthHandler{OAuth: oauth}
}

// Providers lists enabled identity providers.
func (h *OAuthHandler) Providers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.OAuth.Providers(oauthStartPath)})
}

// Start prepares the provider redirect. Browsers asking for mode=redirect are sent
// straight to the provider; other clients receive the URL as JSON.
func (h *OAuthHandler) Start(c *gin.Context) {
	out, err := h.OAuth.Start(c.Request.Context(), c.Param("provider"), c.Query("redirect_uri"))
	if err != nil {
		respondError(c, err)
		return
	}
	if strings.EqualFold(c.Query("mode"), "redirect") {
		c.Redirect(http.StatusFound, out.AuthorizationURL)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Callback accepts query callbacks and form_post callbacks.
func (h *OAuthHandler) Callback(c *gin.Context) {
	if providerErr := strings.TrimSpace(c.Request.FormValue("error")); providerErr != "" {
		abortWithError(c, http.StatusBadRequest, "access_denied", "Provider returned "+providerErr+".")
		return
	}
	session, err := h.OAuth.Callback(c.Request.Context(), authsvc.CallbackInput{
		Provider:  c.Param("provider"),
		Code:      c.Request.FormValue("code"),
		State:     c.Request.FormValue("state"),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// Assertion signs in a native client holding a provider id_token.
func (h *OAuthHandler) Assertion(c *gin.Context) {
	var req struct {
		IDToken string `json:"id_token" form:"id_token" binding:"required"`
		Nonce   string `json:"nonce" form:"nonce"`
	}
	if err := c.ShouldBind(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "id_token is required.")
		return
	}
	session, err := h.OAuth.SignInWithAssertion(c.Request.Context(), c.Param("provider"), req.IDToken, req.Nonce, c.Request.UserAgent())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}
