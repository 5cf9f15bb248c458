package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MaxEventBytes is the Matrix size limit for a single event, and the
// largest request body any client endpoint needs.
const MaxEventBytes = 65536

// BodyLimit caps the request body at limit bytes. Reads past the limit fail
// with *http.MaxBytesError, which the binding helpers turn into
// M_TOO_LARGE.
//
// Why here and not in the handlers? Every endpoint that reads a body goes
// through gin binding, and a limit applied once in front of the route
// table cannot be forgotten by a new handler.
func BodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil && c.Request.Body != http.NoBody {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
