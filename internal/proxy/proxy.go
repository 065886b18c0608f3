// Package proxy forwards /proxy/* requests to the Garage admin API on behalf
// of the logged-in operator.
//
// The forwarding is generic: any method and sub-path is relayed, so the
// console keeps working when Garage adds endpoints. The session's admin
// token is injected as a bearer token unless the browser sent its own
// Authorization header. Upstream answers, including 4xx and 5xx, are relayed
// verbatim.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stouder/mechanic/internal/apperr"
	"github.com/stouder/mechanic/internal/session"
	"github.com/stouder/mechanic/internal/telemetry"
)

// Prefix is the route prefix stripped before forwarding.
const Prefix = "/proxy"

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// requestOnlyHeaders are dropped from the outbound request. The session
// cookie belongs to Mechanic, and the transport sets Host and Content-Length.
var requestOnlyHeaders = map[string]bool{
	"cookie":         true,
	"host":           true,
	"content-length": true,
}

// TokenSource returns the admin token bound to a session.
type TokenSource interface {
	Get(ctx context.Context, sess *session.Session) (string, bool, error)
}

// Handler is the catch-all proxy handler.
type Handler struct {
	baseURL string
	client  *http.Client
	tokens  TokenSource
}

// NewHandler creates a Handler forwarding to the admin API at baseURL.
// Redirects from Garage are relayed to the browser, not followed.
func NewHandler(baseURL string, tokens TokenSource) *Handler {
	return &Handler{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Handle forwards the request. It is registered for every method on
// /proxy/*path.
func (h *Handler) Handle(c *gin.Context) {
	method := c.Request.Method
	sess := session.FromContext(c)

	token, ok, err := h.tokens.Get(c.Request.Context(), sess)
	if err != nil {
		h.internalError(c, "failed to read session token", err)
		return
	}
	if !ok {
		telemetry.ProxyRequestsTotal.WithLabelValues(method, telemetry.ProxyOutcomeUnauthenticated).Inc()
		apperr.Respond(c, apperr.NotAuthenticated())
		return
	}

	outReq, err := h.buildRequest(c, token)
	if err != nil {
		h.internalError(c, "failed to build proxy request", err)
		return
	}

	start := time.Now()
	resp, err := h.client.Do(outReq)
	telemetry.ProxyUpstreamDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.ProxyRequestsTotal.WithLabelValues(method, telemetry.ProxyOutcomeTransportError).Inc()
		slog.Warn("proxy request to garage failed",
			"method", method,
			"target", outReq.URL.Path,
			"request_id", c.GetString("request_id"),
			"error", err,
		)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"error": fmt.Sprintf("Unable to proxy request: %s", err.Error()),
		})
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		telemetry.ProxyRequestsTotal.WithLabelValues(method, telemetry.ProxyOutcomeTransportError).Inc()
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"error": fmt.Sprintf("Unable to proxy request: %s", err.Error()),
		})
		return
	}

	telemetry.ProxyRequestsTotal.WithLabelValues(method, telemetry.ProxyOutcomeRelayed).Inc()
	if resp.StatusCode >= http.StatusBadRequest {
		slog.Debug("garage answered proxied request with an error",
			"method", method,
			"target", outReq.URL.Path,
			"status", resp.StatusCode,
		)
	}

	copyResponseHeaders(c.Writer.Header(), resp.Header, len(body))
	c.Status(resp.StatusCode)
	if len(body) > 0 {
		_, _ = c.Writer.Write(body)
	}
}

// copyResponseHeaders replaces dst's values with the upstream ones, so a
// header Garage sends is never merged with one set by middleware. With a
// body the length is what was read; without one (HEAD, 204) Garage's own
// Content-Length is kept.
func copyResponseHeaders(dst, src http.Header, bodyLen int) {
	for k, vv := range src {
		if hopHeaders[strings.ToLower(k)] {
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
	if bodyLen > 0 {
		dst.Set("Content-Length", strconv.Itoa(bodyLen))
		if _, ok := src["Content-Type"]; !ok {
			// A nil value stops net/http from sniffing one.
			dst["Content-Type"] = nil
		}
	}
}

// buildRequest maps /proxy/<path>?<query> onto <baseURL>/<path>?<query>.
// The body is buffered so it can be resent on a retried connection.
func (h *Handler) buildRequest(c *gin.Context, token string) (*http.Request, error) {
	in := c.Request

	path := strings.TrimPrefix(in.URL.EscapedPath(), Prefix)
	target := h.baseURL + path
	if in.URL.RawQuery != "" {
		target += "?" + in.URL.RawQuery
	}

	var body io.Reader
	if in.Body != nil {
		payload, err := io.ReadAll(in.Body)
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		if len(payload) > 0 {
			body = bytes.NewReader(payload)
		}
	}

	out, err := http.NewRequestWithContext(in.Context(), in.Method, target, body)
	if err != nil {
		return nil, err
	}

	for k, vv := range in.Header {
		lk := strings.ToLower(k)
		if hopHeaders[lk] || requestOnlyHeaders[lk] {
			continue
		}
		for _, v := range vv {
			out.Header.Add(k, v)
		}
	}
	if len(in.Header.Values("Authorization")) == 0 {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	return out, nil
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	telemetry.ProxyRequestsTotal.WithLabelValues(c.Request.Method, telemetry.ProxyOutcomeInternalError).Inc()
	slog.Error(msg, "path", c.Request.URL.Path, "request_id", c.GetString("request_id"), "error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error": "Internal server error while processing proxy request",
	})
}
