package middleware

import (
	"github.com/gin-gonic/gin"
)

// cspAPI forbids loading anything from responses. The API serves only JSON,
// zip attachments and the metrics text format.
const cspAPI = "default-src 'none'; frame-ancestors 'none'"

// SecurityHeaders sets response headers that keep browsers from sniffing,
// framing or caching backup responses.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", cspAPI)

		// Settings and archives carry clinic data.
		c.Header("Cache-Control", "no-store")

		if c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
