package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/pantry-auth/internal/domain"
	"github.com/smallbiznis/pantry-auth/internal/http/middleware"
	"github.com/smallbiznis/pantry-auth/internal/service"
	authsvc "github.com/smallbiznis/pantry-auth/internal/service/auth"
)

// AccountHandler serves endpoints acting on the signed-in user.
type AccountHandler struct {
	Accounts *service.AccountService
	Tokens   *service.TokenService
	Resolver *authsvc.LinkResolver
}

// NewAccountHandler creates the handler set.
func NewAccountHandler(accounts *service.AccountService, tokens *service.TokenService, links *authsvc.LinkResolver) *AccountHandler {
	return &AccountHandler{Accounts: accounts, Tokens: tokens, Resolver: links}
}

func mustClaims(c *gin.Context) (domain.AccessClaims, bool) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		abortWithError(c, http.StatusUnauthorized, "invalid_token", "Authentication required.")
	}
	return claims, ok
}

// Me returns the profile of the current user.
func (h *AccountHandler) Me(c *gin.Context) {
	claims, ok := mustClaims(c)
	if !ok {
		return
	}
	user, err := h.Accounts.Profile(c.Request.Context(), claims.Subject)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, service.NewUserViewModel(user))
}

// Sessions lists active refresh tokens.
func (h *AccountHandler) Sessions(c *gin.Context) {
	claims, ok := mustClaims(c)
	if !ok {
		return
	}
	tokens, err := h.Tokens.Sessions(c.Request.Context(), claims.Subject)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": service.NewSessionViews(tokens)})
}

// Logout ends the current session.
func (h *AccountHandler) Logout(c *gin.Context) {
	claims, ok := mustClaims(c)
	if !ok {
		return
	}
	var req struct {
		RefreshToken string `json:"refresh_token" form:"refresh_token"`
	}
	_ = c.ShouldBind(&req)
	if err := h.Tokens.Logout(c.Request.Context(), claims, req.RefreshToken); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// LogoutAll revokes every refresh token of the user.
func (h *AccountHandler) LogoutAll(c *gin.Context) {
	claims, ok := mustClaims(c)
	if !ok {
		return
	}
	n, err := h.Tokens.RevokeAll(c.Request.Context(), claims.Subject)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": n})
}

// Links lists linked providers.
func (h *AccountHandler) Links(c *gin.Context) {
	claims, ok := mustClaims(c)
	if !ok {
		return
	}
	links, err := h.Resolver.Links(c.Request.Context(), claims.Subject)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(links))
	for _, link := range links {
		out = append(out, gin.H{"provider": link.Provider, "email": link.Email, "created_at": link.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"links": out})
}

// Unlink removes a provider link.
func (h *AccountHandler) Unlink(c *gin.Context) {
	claims, ok := mustClaims(c)
	if !ok {
		return
	}
	if err := h.Resolver.Unlink(c.Request.Context(), claims.Subject, c.Param("provider")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ScheduleDeletion starts the deletion grace period.
func (h *AccountHandler) ScheduleDeletion(c *gin.Context) {
	claims, ok := mustClaims(c)
	if !ok {
		return
	}
	user, err := h.Accounts.ScheduleDeletion(c.Request.Context(), claims.Subject)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, service.NewUserViewModel(user))
}

// CancelDeletion restores the account.
func (h *AccountHandler) CancelDeletion(c *gin.Context) {
	claims, ok := mustClaims(c)
	if !ok {
		return
	}
	user, err := h.Accounts.CancelDeletion(c.Request.Context(), claims.Subject)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, service.NewUserViewModel(user))
}
