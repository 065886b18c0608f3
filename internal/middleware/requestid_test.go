package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requestIDEngine echoes the context value so tests can compare it with the
// response header.
func requestIDEngine() *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/api/v1/meta/info", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(RequestIDKey))
	})
	return r
}

func serveWithID(r http.Handler, inbound string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/meta/info", nil)
	if inbound != "" {
		req.Header.Set(RequestIDHeader, inbound)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		inbound  string
		wantSame bool
	}{
		{name: "no header", inbound: ""},
		{name: "header from reverse proxy", inbound: "traefik-7f3a", wantSame: true},
		{name: "header at the length limit", inbound: strings.Repeat("a", maxRequestIDLength), wantSame: true},
		{name: "oversized header", inbound: strings.Repeat("a", maxRequestIDLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serveWithID(requestIDEngine(), tt.inbound)

			got := w.Header().Get(RequestIDHeader)
			assert.Equal(t, got, w.Body.String(), "context and response header must agree")
			if tt.wantSame {
				assert.Equal(t, tt.inbound, got)
				return
			}
			_, err := uuid.Parse(got)
			require.NoError(t, err, "expected a generated UUID, got %q", got)
		})
	}
}

func TestRequestIDMiddleware_UniquePerRequest(t *testing.T) {
	r := requestIDEngine()

	seen := make(map[string]bool)
	for range 20 {
		id := serveWithID(r, "").Header().Get(RequestIDHeader)
		assert.False(t, seen[id], "duplicate request ID %q", id)
		seen[id] = true
	}
}
