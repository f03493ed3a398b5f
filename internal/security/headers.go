// Package security composes the device-security subsystem: it owns the
// coordinator that gates sensitive actions, plus the HTTP security middleware.
package security

import (
	"github.com/gin-gonic/gin"
)

// HeadersMiddleware sets response headers for an API that handles PINs and
// security events: no caching, no framing, no content sniffing. There are no
// browser pages to serve, so the CSP denies everything except the event
// stream's own origin.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}
