package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request identifier in both directions.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key holding the request ID. apperr.Respond
	// and the proxy read it to tag their log lines.
	RequestIDKey = "request_id"
)

// maxRequestIDLength bounds an inbound X-Request-ID before it is trusted.
const maxRequestIDLength = 128

// RequestIDMiddleware tags every request with an identifier.
//
// An X-Request-ID sent by a reverse proxy in front of Mechanic is reused when
// it is short enough; otherwise a UUID v4 is generated. The ID is stored
// under RequestIDKey and echoed in the response so operators can match a
// browser error with the server log line.
//
// Register it before MetricsMiddleware and the logger:
//
//	router.Use(gin.Recovery())
//	router.Use(RequestIDMiddleware())
//	router.Use(MetricsMiddleware())
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
