package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stouder/mechanic/internal/apperr"
)

const indexFile = "index.html"

// spaHandler serves the built console from dir. Existing files are served
// as-is; any other GET whose last path segment has no extension is a
// client-side route and gets index.html. API paths and everything else get a
// problem+json 404.
func spaHandler(dir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := c.Request.URL.Path
		if dir == "" || isAPIPath(p) || (c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead) {
			apperr.Respond(c, apperr.NotFound("No handler for %s %s", c.Request.Method, p))
			return
		}

		clean := path.Clean("/" + p)
		file := filepath.Join(dir, filepath.FromSlash(clean))
		if info, err := os.Stat(file); err == nil && !info.IsDir() {
			c.File(file)
			return
		}

		if strings.Contains(path.Base(clean), ".") {
			apperr.Respond(c, apperr.NotFound("No such asset: %s", p))
			return
		}
		c.File(filepath.Join(dir, indexFile))
	}
}

func isAPIPath(p string) bool {
	return p == "/api" || strings.HasPrefix(p, "/api/") || p == "/proxy" || strings.HasPrefix(p, "/proxy/")
}
