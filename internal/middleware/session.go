package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/stouder/mechanic/internal/session"
)

// SessionLoader reads the session from the request cookie.
type SessionLoader interface {
	Load(c *gin.Context) *session.Session
}

// SessionMiddleware attaches the request's session to the gin context. A
// request without a valid cookie gets a fresh session holding no token; the
// cookie is only written when a handler issues it (on login).
func SessionMiddleware(loader SessionLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		session.Attach(c, loader.Load(c))
		c.Next()
	}
}
