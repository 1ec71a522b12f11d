package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/pantry-auth/internal/domain"
	domainoauth "github.com/smallbiznis/pantry-auth/internal/domain/oauth"
)

// oauthError is the error body shared by every endpoint.
type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func abortWithError(c *gin.Context, status int, code, description string) {
	c.AbortWithStatusJSON(status, oauthError{Error: code, Description: description})
}

// respondError maps service errors onto OAuth-style JSON responses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrAuthorizationPending),
		errors.Is(err, domain.ErrSlowDown),
		errors.Is(err, domain.ErrExpiredToken),
		errors.Is(err, domain.ErrAccessDenied):
		abortWithError(c, http.StatusBadRequest, deviceErrorCode(err), "")
	case errors.Is(err, domainoauth.ErrProviderNotFound):
		abortWithError(c, http.StatusNotFound, "provider_not_found", "OAuth provider is not configured.")
	case errors.Is(err, domainoauth.ErrInvalidRequest):
		abortWithError(c, http.StatusBadRequest, "invalid_request", "Request is missing a required parameter.")
	case errors.Is(err, domainoauth.ErrInvalidState):
		abortWithError(c, http.StatusBadRequest, "invalid_request", "Authorization state is invalid or expired.")
	case errors.Is(err, domainoauth.ErrAssertionInvalid):
		abortWithError(c, http.StatusUnauthorized, "invalid_grant", "Identity assertion could not be verified.")
	case errors.Is(err, domainoauth.ErrEmailMissing):
		abortWithError(c, http.StatusUnprocessableEntity, "email_required", "Provider did not share a verified email address.")
	case errors.Is(err, domain.ErrInvalidToken):
		abortWithError(c, http.StatusUnauthorized, "invalid_token", "Token is invalid, expired or revoked.")
	case errors.Is(err, domain.ErrNotFound):
		abortWithError(c, http.StatusNotFound, "not_found", "Resource not found.")
	case errors.Is(err, domain.ErrInvalidState):
		abortWithError(c, http.StatusConflict, "invalid_state", "Operation is not allowed in the current state.")
	case errors.Is(err, domain.ErrConflict):
		abortWithError(c, http.StatusConflict, "conflict", "Resource already exists.")
	default:
		zap.L().Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "server_error", "Internal server error.")
	}
}

func deviceErrorCode(err error) string {
	for _, target := range []error{domain.ErrAuthorizationPending, domain.ErrSlowDown, domain.ErrExpiredToken, domain.ErrAccessDenied} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "invalid_grant"
}
