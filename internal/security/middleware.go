package security

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestIP resolves the client identifier for a gin request.
func RequestIP(c *gin.Context) string {
	return ClientIP(c.GetHeader("X-Forwarded-For"), c.Request.RemoteAddr)
}

// RateLimitMiddleware rejects over-limit clients with 429 and a Retry-After
// hint before any streaming work begins.
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := limiter.Allow(RequestIP(c))
		if !allowed {
			seconds := int(retryAfter/time.Second) + 1
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.Header("Cache-Control", "no-store")
			c.String(http.StatusTooManyRequests, "rate limit exceeded, retry in %ds", seconds)
			c.Abort()
			return
		}
		c.Next()
	}
}

// GuardMiddleware short-circuits identifiers blocked by the invalid-request
// guard.
func GuardMiddleware(guard *InvalidRequestGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		if guard.Blocked(RequestIP(c)) {
			c.Header("Cache-Control", "no-store")
			c.String(http.StatusTooManyRequests, "too many invalid requests")
			c.Abort()
			return
		}
		c.Next()
	}
}

// CORSMiddleware implements the streaming CORS policy over an allow-list of
// origins. "*" in the list allows every origin. Preflights from allowed
// origins get 204; others get 403. Non-preflight responses echo the origin
// only when allowed, and always expose the range headers media players need.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		originAllowed := origin != "" && (allowAll || allowed[origin])

		if originAllowed {
			if allowAll {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Expose-Headers", "Content-Range, Accept-Ranges, Content-Length")
		}

		if c.Request.Method == http.MethodOptions {
			if !originAllowed {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Header("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Range, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
