package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/pantry-auth/internal/config"
	"github.com/smallbiznis/pantry-auth/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/pantry-auth/internal/http/middleware"
	"github.com/smallbiznis/pantry-auth/internal/middleware"
)

// Handlers groups the handler sets mounted by the router.
type Handlers struct {
	OAuth     *handler.OAuthHandler
	Token     *handler.TokenHandler
	Device    *handler.DeviceHandler
	Account   *handler.AccountHandler
	WellKnown *handler.WellKnownHandler
}

// NewRouter wires Gin routes and middleware. tokenLimiter guards the unauthenticated
// credential endpoints on top of the global limiter; either may be nil.
func NewRouter(cfg config.Config, h Handlers, auth *httpmiddleware.Auth, rateLimiter, tokenLimiter *middleware.RateLimiter, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(httpmiddleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg))
	r.Use(rateLimiter.Handler())

	r.GET("/healthz", h.WellKnown.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/.well-known/jwks.json", h.WellKnown.JWKS)
	r.GET("/.well-known/oauth-authorization-server", h.WellKnown.Metadata)

	authGroup := r.Group("/auth")
	{
		oauth := authGroup.Group("/oauth")
		{
			oauth.GET("/providers", h.OAuth.Providers)
			oauth.GET("/:provider/start", h.OAuth.Start)
			oauth.GET("/:provider/callback", h.OAuth.Callback)
			oauth.POST("/:provider/callback", h.OAuth.Callback)
			oauth.POST("/:provider/assertion", tokenLimiter.Handler(), h.OAuth.Assertion)
		}

		authGroup.GET("/me", auth.ValidateJWT, h.Account.Me)
		authGroup.GET("/sessions", auth.ValidateJWT, h.Account.Sessions)
		authGroup.POST("/logout", auth.ValidateJWT, h.Account.Logout)
		authGroup.POST("/logout-all", auth.ValidateJWT, h.Account.LogoutAll)
		authGroup.GET("/links", auth.ValidateJWT, h.Account.Links)
		authGroup.DELETE("/links/:provider", auth.ValidateJWT, h.Account.Unlink)
	}

	oauth := r.Group("/oauth", tokenLimiter.Handler())
	{
		oauth.POST("/token", h.Token.Token)
		oauth.POST("/revoke", h.Token.Revoke)
		oauth.POST("/device/code", h.Token.DeviceCode)
	}

	device := r.Group("/device")
	{
		device.GET("/verify", h.Device.Verify)
		device.POST("/approve", auth.ValidateJWT, h.Device.Approve)
		device.POST("/deny", auth.ValidateJWT, h.Device.Deny)
	}

	account := r.Group("/account", auth.ValidateJWT)
	{
		account.POST("/deletion", h.Account.ScheduleDeletion)
		account.DELETE("/deletion", h.Account.CancelDeletion)
	}

	return r
}
