package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// submissionRateLimit bounds task submissions with a token bucket. ratePerSec
// is the sustained rate, burst the allowance; a negative rate disables the
// limiter.
func submissionRateLimit(ratePerSec float64, burst int) gin.HandlerFunc {
	if ratePerSec < 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := rate.NewLimiter(rate.Limit(ratePerSec), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"reason": "RATE_LIMIT",
				"error":  "submission rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
