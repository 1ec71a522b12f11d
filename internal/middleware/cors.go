package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/pantry-auth/internal/config"
)

const preflightMaxAge = 10 * time.Minute

type corsPolicy struct {
	anyOrigin   bool
	origins     map[string]struct{}
	methods     string
	headers     string
	credentials bool
}

func newCORSPolicy(cfg config.Config) corsPolicy {
	p := corsPolicy{
		origins:     make(map[string]struct{}, len(cfg.CORSAllowedOrigins)),
		methods:     strings.Join(cfg.CORSAllowedMethods, ", "),
		headers:     strings.Join(cfg.CORSAllowedHeaders, ", "),
		credentials: cfg.CORSAllowCredentials,
	}
	for _, o := range cfg.CORSAllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			p.anyOrigin = true
			continue
		}
		p.origins[strings.ToLower(o)] = struct{}{}
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	if p.anyOrigin {
		return true
	}
	_, ok := p.origins[strings.ToLower(origin)]
	return ok
}

// allowOrigin echoes the caller when credentials are on, since browsers reject "*"
// together with credentials.
func (p corsPolicy) allowOrigin(origin string) string {
	if p.anyOrigin && !p.credentials {
		return "*"
	}
	return origin
}

// CORS applies the configured cross-origin policy. Preflights are answered here and
// never reach handlers.
func CORS(cfg config.Config) gin.HandlerFunc {
	policy := newCORSPolicy(cfg)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""
		if origin == "" {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Add("Vary", "Origin")
		if !policy.allows(origin) {
			if preflight {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}

		h.Set("Access-Control-Allow-Origin", policy.allowOrigin(origin))
		h.Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After, WWW-Authenticate")
		if policy.credentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		if !preflight {
			c.Next()
			return
		}
		h.Set("Access-Control-Allow-Methods", policy.methods)
		h.Set("Access-Control-Allow-Headers", policy.headers)
		h.Set("Access-Control-Max-Age", strconv.Itoa(int(preflightMaxAge.Seconds())))
		c.AbortWithStatus(http.StatusNoContent)
	}
}
