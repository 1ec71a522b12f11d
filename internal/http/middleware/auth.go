package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/pantry-auth/internal/domain"
)

const (
	accessClaimsKey = "accessClaims"
	userIDKey       = "user_id"
)

// TokenVerifier validates bearer access tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, accessToken string) (domain.AccessClaims, error)
}

// Auth guards routes that require a signed-in user.
type Auth struct {
	Tokens TokenVerifier
	Logger *zap.Logger
}

func NewAuth(tokens TokenVerifier, logger *zap.Logger) *Auth {
	if logger == nil {
		logger = zap.L()
	}
	return &Auth{Tokens: tokens, Logger: logger.Named("auth")}
}

// ValidateJWT accepts only "Authorization: Bearer <jwt>" (RFC 6750). Verified claims are
// stored on the context for GetAccessClaims.
func (m *Auth) ValidateJWT(c *gin.Context) {
	raw, ok := bearerToken(c.GetHeader("Authorization"))
	if !ok {
		challenge(c, "bearer token required")
		return
	}
	claims, err := m.Tokens.Verify(c.Request.Context(), raw)
	if err != nil {
		m.logRejected(c, err)
		challenge(c, "access token is invalid, expired or revoked")
		return
	}
	c.Set(accessClaimsKey, claims)
	c.Set(userIDKey, claims.Subject)
	c.Next()
}

// logRejected records why a bearer token was refused. The token itself is never logged.
func (m *Auth) logRejected(c *gin.Context, err error) {
	logger := m.Logger
	if logger == nil {
		logger = zap.L()
	}
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	fields := []zap.Field{
		zap.String("route", route),
		zap.String("reason", rejectReason(err)),
		zap.String("client_ip", c.ClientIP()),
	}
	if !errors.Is(err, domain.ErrInvalidToken) {
		logger.Error("access token check failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Warn("access token rejected", fields...)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrExpired):
		return "expired"
	case errors.Is(err, domain.ErrRevoked):
		return "revoked"
	case errors.Is(err, domain.ErrInvalidToken):
		return "invalid"
	default:
		return "unavailable"
	}
}

// GetAccessClaims returns the claims stored by ValidateJWT.
func GetAccessClaims(c *gin.Context) (domain.AccessClaims, bool) {
	claims, ok := c.Value(accessClaimsKey).(domain.AccessClaims)
	return claims, ok
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func challenge(c *gin.Context, description string) {
	c.Header("WWW-Authenticate", fmt.Sprintf(`Bearer error="invalid_token", error_description=%q`, description))
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":             "invalid_token",
		"error_description": description,
	})
}
