// Package buckets implements the bucket browser endpoints under
// /api/buckets/:bucketId. They are only registered when browse.enable is set.
package buckets

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stouder/mechanic/internal/apperr"
	"github.com/stouder/mechanic/internal/browser"
	"github.com/stouder/mechanic/internal/session"
)

// uploadField is the multipart field carrying the uploaded files.
const uploadField = "files"

// Browser is the bucket browser service.
type Browser interface {
	ListFiles(ctx context.Context, token, bucketID, prefix string) ([]browser.Entry, error)
	GetFile(ctx context.Context, token, bucketID, path string) ([]byte, error)
	DeleteFile(ctx context.Context, token, bucketID, path string) error
	UploadFile(ctx context.Context, token, bucketID, path string, body io.Reader, size int64) error
}

// TokenSource resolves the admin token of the request's session.
type TokenSource interface {
	Require(ctx context.Context, sess *session.Session) (string, error)
}

// Handlers handles the bucket browser endpoints
type Handlers struct {
	browser Browser
	tokens  TokenSource
}

// NewHandlers creates a new Handlers instance
func NewHandlers(b Browser, tokens TokenSource) *Handlers {
	return &Handlers{browser: b, tokens: tokens}
}

// ListResponse is the body of GET /api/buckets/:bucketId.
type ListResponse struct {
	Files []browser.Entry `json:"files"`
}

// @Summary      List bucket entries
// @Description  Lists the files and folders directly under a prefix. An empty path lists the bucket root.
// @Tags         Buckets
// @Produce      json
// @Param        bucketId  path   string  true  "Bucket ID"
// @Param        path      query  string  true  "Prefix to list"
// @Success      200  {object}  ListResponse
// @Failure      400  {object}  apperr.Problem  "path missing"
// @Failure      403  {object}  apperr.Problem  "Not authenticated"
// @Failure      404  {object}  apperr.Problem  "Unknown bucket"
// @Router       /api/buckets/{bucketId} [get]
func (h *Handlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		prefix, ok := c.GetQuery("path")
		if !ok {
			apperr.Respond(c, apperr.InvalidInput("Required query parameter 'path' is missing"))
			return
		}
		token, ok := h.token(c)
		if !ok {
			return
		}

		entries, err := h.browser.ListFiles(c.Request.Context(), token, c.Param("bucketId"), prefix)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, ListResponse{Files: entries})
	}
}

// @Summary      Download a file
// @Tags         Buckets
// @Produce      octet-stream
// @Param        bucketId  path   string  true  "Bucket ID"
// @Param        path      query  string  true  "Object key"
// @Success      200  {file}    binary
// @Failure      404  {object}  apperr.Problem  "File not found"
// @Router       /api/buckets/{bucketId}/file [get]
func (h *Handlers) DownloadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := objectKey(c)
		if !ok {
			return
		}
		token, ok := h.token(c)
		if !ok {
			return
		}

		data, err := h.browser.GetFile(c.Request.Context(), token, c.Param("bucketId"), key)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.Header("Content-Disposition", contentDisposition(key))
		c.Data(http.StatusOK, "application/octet-stream", data)
	}
}

// @Summary      Delete a file
// @Tags         Buckets
// @Param        bucketId  path   string  true  "Bucket ID"
// @Param        path      query  string  true  "Object key"
// @Success      200
// @Router       /api/buckets/{bucketId}/file [delete]
func (h *Handlers) DeleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := objectKey(c)
		if !ok {
			return
		}
		token, ok := h.token(c)
		if !ok {
			return
		}

		if err := h.browser.DeleteFile(c.Request.Context(), token, c.Param("bucketId"), key); err != nil {
			apperr.Respond(c, err)
			return
		}
		c.Status(http.StatusOK)
	}
}

// @Summary      Upload files
// @Description  Uploads every part of the multipart field "files" under the given prefix. Parts without a filename or without content are skipped.
// @Tags         Buckets
// @Accept       multipart/form-data
// @Param        bucketId  path      string  true  "Bucket ID"
// @Param        path      query     string  true  "Destination prefix"
// @Param        files     formData  file    true  "Files to upload"
// @Success      200
// @Router       /api/buckets/{bucketId}/file [put]
func (h *Handlers) UploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		prefix, ok := c.GetQuery("path")
		if !ok {
			apperr.Respond(c, apperr.InvalidInput("Required query parameter 'path' is missing"))
			return
		}
		form, err := c.MultipartForm()
		if err != nil {
			apperr.Respond(c, apperr.InvalidInput("Invalid multipart request: %s", err.Error()))
			return
		}
		// A part with an empty filename is parsed as a plain value, so it only
		// shows up in form.Value.
		if len(form.File[uploadField]) == 0 && len(form.Value[uploadField]) == 0 {
			apperr.Respond(c, apperr.InvalidInput("Required part '%s' is missing", uploadField))
			return
		}
		token, ok := h.token(c)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		bucketID := c.Param("bucketId")
		uploaded := 0
		for _, fh := range form.File[uploadField] {
			if fh.Filename == "" || fh.Size == 0 {
				continue
			}
			f, err := fh.Open()
			if err != nil {
				apperr.Respond(c, apperr.Wrap(apperr.KindInternal, "failed to read uploaded file", err))
				return
			}
			err = h.browser.UploadFile(ctx, token, bucketID, path.Join(prefix, fh.Filename), f, fh.Size)
			_ = f.Close()
			if err != nil {
				apperr.Respond(c, err)
				return
			}
			uploaded++
		}

		slog.Debug("upload request handled", "bucket_id", bucketID, "files", uploaded)
		c.Status(http.StatusOK)
	}
}

// token resolves the session's admin token, answering the request itself
// when there is none.
func (h *Handlers) token(c *gin.Context) (string, bool) {
	token, err := h.tokens.Require(c.Request.Context(), session.FromContext(c))
	if err != nil {
		apperr.Respond(c, err)
		return "", false
	}
	return token, true
}

// objectKey reads the required, non-empty path query parameter.
func objectKey(c *gin.Context) (string, bool) {
	key, ok := c.GetQuery("path")
	if !ok {
		apperr.Respond(c, apperr.InvalidInput("Required query parameter 'path' is missing"))
		return "", false
	}
	if key == "" {
		apperr.Respond(c, apperr.InvalidInput("Query parameter 'path' must name a file"))
		return "", false
	}
	return key, true
}

// contentDisposition builds an attachment header naming the key's last
// segment.
func contentDisposition(key string) string {
	name := path.Base(key)
	name = strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name)
	return fmt.Sprintf(`attachment; filename="%s"`, name)
}
