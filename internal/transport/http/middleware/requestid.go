package middleware

import (
	"github.com/firstbad/bisectd/internal/requestid"
	"github.com/gin-gonic/gin"
)

// RequestID injects a request ID into the context and response header. A
// well-formed X-Request-ID from the caller is preserved so ids stay stable
// across proxies; anything else is replaced with a fresh UUID v4.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := requestid.Normalize(c.GetHeader("X-Request-ID"))

		ctx := requestid.WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
