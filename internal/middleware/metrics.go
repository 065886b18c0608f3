// Package middleware provides the Gin middleware shared by every Mechanic
// route: request IDs, Prometheus metrics, security headers, session loading
// and rate limiting. internal/api/router.go registers them before any handler.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stouder/mechanic/internal/telemetry"
)

// noRoute labels requests that matched no route, including SPA fallbacks
// served from NoRoute.
const noRoute = "<no-route>"

// MetricsMiddleware records http_requests_total and
// http_request_duration_seconds for every request.
//
// The path label is the matched route template from c.FullPath() (for
// example /api/buckets/:bucketId/file), so bucket IDs and proxied admin API
// paths collapse into a handful of series. Register it after
// RequestIDMiddleware so statuses written by error handlers are captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRoute
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
