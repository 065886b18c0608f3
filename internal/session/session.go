// Package session binds a Garage admin token to a browser session.
//
// A session is identified by a random ID carried in a signed cookie. The
// admin token itself never leaves the server: it is kept in a Backend
// (in-process memory or Redis), optionally sealed with a TokenCipher.
//
// Operations receive the *Session explicitly; nothing in this package looks
// up "the current request" on its own.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// contextKey is the gin context key holding the request's *Session.
const contextKey = "session"

// Session identifies one browser session.
type Session struct {
	ID string
	// IssuedAt is when the session cookie was first issued. Zero for a
	// session that has no cookie yet.
	IssuedAt time.Time
}

// New returns a session with a fresh random ID and no cookie.
func New() *Session {
	return &Session{ID: uuid.NewString()}
}

// IsNew reports whether the browser has not been given a cookie for s yet.
func (s *Session) IsNew() bool {
	return s.IssuedAt.IsZero()
}

// ErrNotFound is returned by Backend.Get when no value is stored for an ID.
var ErrNotFound = errors.New("session: not found")

// Backend stores one opaque value per session ID with an idle expiry.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the value for id and extends its expiry to ttl from now.
	Get(ctx context.Context, id string, ttl time.Duration) (string, error)
	// Set stores value for id, replacing any previous value.
	Set(ctx context.Context, id, value string, ttl time.Duration) error
	// Delete removes id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	// Ping reports whether the backend is usable.
	Ping(ctx context.Context) error
	Close() error
}

// Attach stores s on the gin context for downstream handlers.
func Attach(c *gin.Context, s *Session) {
	c.Set(contextKey, s)
}

// FromContext returns the session attached by the session middleware. It
// never returns nil: a request that bypassed the middleware gets a fresh
// session that holds no token.
func FromContext(c *gin.Context) *Session {
	if v, ok := c.Get(contextKey); ok {
		if s, ok := v.(*Session); ok && s != nil {
			return s
		}
	}
	s := New()
	c.Set(contextKey, s)
	return s
}
