// Package api wires together all HTTP routes of the Mechanic server.
//
// Route grouping:
//   - /proxy/* is a catch-all forwarded to the Garage admin API with the
//     session's admin token. The console talks to Garage almost exclusively
//     through it.
//   - /api/auth and /api/meta are reachable without a session. Login is rate
//     limited per client IP.
//   - /api/buckets/:bucketId is the bucket browser. It is only registered
//     when browse.enable is set, so a disabled browser answers 404 like any
//     unknown path.
//   - Every other GET falls through to the built console (index.html for
//     client-side routes) when server.static_dir is set.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	apiauth "github.com/stouder/mechanic/internal/api/auth"
	"github.com/stouder/mechanic/internal/api/buckets"
	"github.com/stouder/mechanic/internal/browser"
	"github.com/stouder/mechanic/internal/config"
	"github.com/stouder/mechanic/internal/garage"
	"github.com/stouder/mechanic/internal/middleware"
	"github.com/stouder/mechanic/internal/proxy"
	"github.com/stouder/mechanic/internal/session"
)

// Dependencies are the long-lived collaborators built by cmd/server.
type Dependencies struct {
	Garage  *garage.Client
	Tokens  *session.TokenStore
	Cookies *session.CookieCodec
	// Redis is shared with the session backend. When set, login rate limits
	// are kept in Redis so every replica enforces the same budget.
	Redis   redis.UniversalClient
	Version string
}

// BackgroundServices holds references to background goroutines that must be
// stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	memoryLimiters []*middleware.MemoryLimiter
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.memoryLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	bg := &BackgroundServices{}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SplitSecurityHeaders(
		middleware.ConsoleSecurityHeadersConfig(cfg.Security.TLS.Enabled),
		middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled),
		proxy.Prefix+"/",
	))
	router.Use(middleware.SessionMiddleware(deps.Cookies))

	router.GET("/health", healthCheckHandler(deps.Tokens))
	router.GET("/ready", readinessHandler(deps.Tokens, deps.Garage))

	// Garage admin API passthrough
	proxyHandler := proxy.NewHandler(cfg.Garage.APIURL, deps.Tokens)
	router.Any(proxy.Prefix+"/*path", proxyHandler.Handle)

	authHandlers := apiauth.NewHandlers(deps.Tokens, deps.Cookies, deps.Garage)

	apiGroup := router.Group("/api")
	{
		authGroup := apiGroup.Group("/auth")
		if cfg.Security.RateLimiting.Enabled {
			limiter := newLoginLimiter(cfg, deps.Redis, bg)
			authGroup.POST("/login", middleware.RateLimitMiddleware(limiter), authHandlers.LoginHandler())
		} else {
			authGroup.POST("/login", authHandlers.LoginHandler())
		}
		authGroup.POST("/logout", authHandlers.LogoutHandler())

		apiGroup.GET("/meta/info", metaInfoHandler(deps.Version, cfg.Browse.Enable))
		apiGroup.GET("/admin-tokens/:id", authHandlers.AdminTokenInfoHandler())

		if cfg.Browse.Enable {
			svc := browser.NewService(deps.Garage, garage.NewProvisioner(deps.Garage), browser.Config{
				Driver:   cfg.Browse.Driver,
				Endpoint: cfg.Garage.S3URL,
				Region:   cfg.Garage.S3Region,
			})
			bucketHandlers := buckets.NewHandlers(svc, deps.Tokens)

			bucketGroup := apiGroup.Group("/buckets/:bucketId")
			bucketGroup.GET("", bucketHandlers.ListHandler())
			bucketGroup.GET("/file", bucketHandlers.DownloadHandler())
			bucketGroup.DELETE("/file", bucketHandlers.DeleteHandler())
			bucketGroup.PUT("/file", bucketHandlers.UploadHandler())
		}
	}

	router.NoRoute(spaHandler(cfg.Server.StaticDir))

	return router, bg
}

// newLoginLimiter picks the Redis limiter when a Redis client is available
// and the in-process token bucket otherwise.
func newLoginLimiter(cfg *config.Config, rdb redis.UniversalClient, bg *BackgroundServices) middleware.Limiter {
	rlCfg := middleware.LoginRateLimitConfig()
	rlCfg.RequestsPerMinute = cfg.Security.RateLimiting.RequestsPerMinute
	if cfg.Security.RateLimiting.Burst > 0 {
		rlCfg.BurstSize = cfg.Security.RateLimiting.Burst
	}

	if rdb != nil {
		slog.Info("login rate limiting backed by redis", "requests_per_minute", rlCfg.RequestsPerMinute)
		return middleware.NewRedisLimiter(rdb, rlCfg)
	}
	limiter := middleware.NewMemoryLimiter(rlCfg)
	bg.memoryLimiters = append(bg.memoryLimiters, limiter)
	return limiter
}

// Pinger reports whether a dependency is usable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker probes the Garage admin API.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// @Summary      Health check
// @Description  Returns the health status of the service, including session store connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: session store unavailable"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(store Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "session store unavailable",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the session store and the Garage admin API.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, time"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks that Garage answers
// so that a Kubernetes readiness gate fails when every proxied call would.
func readinessHandler(store Pinger, garageAPI HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := store.Ping(c.Request.Context()); err != nil {
			checks["session_store"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "session store not ready",
			})
			return
		}
		checks["session_store"] = "healthy"

		if err := garageAPI.Health(c.Request.Context()); err != nil {
			checks["garage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "garage admin API not ready",
			})
			return
		}
		checks["garage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// MetaInfo is the body of GET /api/meta/info.
type MetaInfo struct {
	Version       string `json:"version"`
	BrowseEnabled bool   `json:"browseEnabled"`
}

// @Summary      Console capabilities
// @Description  Returns the server version and whether the bucket browser is enabled.
// @Tags         System
// @Produce      json
// @Success      200  {object}  MetaInfo
// @Router       /api/meta/info [get]
func metaInfoHandler(version string, browseEnabled bool) gin.HandlerFunc {
	info := MetaInfo{Version: version, BrowseEnabled: browseEnabled}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, info)
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		if cfg.Logging.Format == "json" {
			logJSON(c, latency, path, query)
		} else {
			logText(c, latency, path, query)
		}
	}
}

// logJSON logs a request as a JSON-structured slog record.
func logJSON(c *gin.Context, latency time.Duration, path, query string) {
	requestID, _ := c.Get(middleware.RequestIDKey)
	slog.LogAttrs(
		c.Request.Context(),
		slog.LevelInfo,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", fmt.Sprintf("%v", requestID)),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// logText logs a request as a human-readable slog text record.
func logText(c *gin.Context, latency time.Duration, path, query string) {
	// slog emits text when the global handler is a TextHandler
	// (configured in telemetry.SetupLogger).
	logJSON(c, latency, path, query)
}

// CORSMiddleware handles CORS for deployments where the console is served
// from another origin than the API (typically the Vite dev server).
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			// Credentialed requests (the session cookie) require an explicit
			// origin, never "*".
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions && allowed {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
