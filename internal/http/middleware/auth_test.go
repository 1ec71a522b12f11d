package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smallbiznis/pantry-auth/internal/domain"
)

type stubVerifier struct {
	err error
}

func (v stubVerifier) Verify(context.Context, string) (domain.AccessClaims, error) {
	if v.err != nil {
		return domain.AccessClaims{}, v.err
	}
	return domain.AccessClaims{Subject: 42, Email: "cook@example.com"}, nil
}

func newAuthRouter(verifier TokenVerifier, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := NewAuth(verifier, logger)
	router.GET("/v1/me", auth.ValidateJWT, func(c *gin.Context) {
		claims, ok := GetAccessClaims(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, strconv.FormatInt(claims.Subject, 10))
	})
	return router
}

func TestValidateJWTLogsRejectionWithoutToken(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		reason string
		level  zapcore.Level
	}{
		{"expired", fmt.Errorf("%w: %w", domain.ErrInvalidToken, domain.ErrExpired), "expired", zapcore.WarnLevel},
		{"revoked", fmt.Errorf("%w: %w", domain.ErrInvalidToken, domain.ErrRevoked), "revoked", zapcore.WarnLevel},
		{"invalid", fmt.Errorf("%w: signature", domain.ErrInvalidToken), "invalid", zapcore.WarnLevel},
		{"denylist down", errors.New("check revocation list: dial tcp: refused"), "unavailable", zapcore.ErrorLevel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			router := newAuthRouter(stubVerifier{err: tc.err}, zap.New(core))

			req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
			req.Header.Set("Authorization", "Bearer secret-access-token")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)

			entries := logs.All()
			require.Len(t, entries, 1)
			entry := entries[0]
			assert.Equal(t, tc.level, entry.Level)
			fields := entry.ContextMap()
			assert.Equal(t, "/v1/me", fields["route"])
			assert.Equal(t, tc.reason, fields["reason"])
			for _, v := range fields {
				assert.NotContains(t, fmt.Sprint(v), "secret-access-token")
			}
		})
	}
}

func TestValidateJWTAcceptsBearer(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	router := newAuthRouter(stubVerifier{}, zap.New(core))

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "bearer  token-value ")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())
	assert.Zero(t, logs.Len())
}

func TestValidateJWTRequiresBearerScheme(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	router := newAuthRouter(stubVerifier{}, zap.New(core))

	for _, header := range []string{"", "Basic abc", "Bearer ", "Token abc"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
	assert.Zero(t, logs.Len())
}
