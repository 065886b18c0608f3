// security.go injects protective response headers: Content-Security-Policy,
// HSTS, X-Frame-Options and related directives.
package middleware

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// SecurityHeadersConfig holds the header values to send.
type SecurityHeadersConfig struct {
	// EnableHSTS sends Strict-Transport-Security. Only meaningful when
	// Mechanic itself terminates TLS.
	EnableHSTS            bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	// FrameOptionsValue is DENY or SAMEORIGIN; empty disables the header.
	FrameOptionsValue     string
	ContentSecurityPolicy string
	ReferrerPolicy        string
	PermissionsPolicy     string
}

// ConsoleSecurityHeadersConfig returns headers for the single-page console.
// The CSP allows blob: and data: images so the browser can preview
// downloaded objects.
func ConsoleSecurityHeadersConfig(tls bool) SecurityHeadersConfig {
	return SecurityHeadersConfig{
		EnableHSTS:            tls,
		HSTSMaxAge:            31536000, // 1 year
		HSTSIncludeSubdomains: false,
		FrameOptionsValue:     "DENY",
		ContentSecurityPolicy: "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data: blob:; font-src 'self' data:; connect-src 'self'; frame-ancestors 'none'",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		PermissionsPolicy:     "geolocation=(), microphone=(), camera=()",
	}
}

// APISecurityHeadersConfig returns headers for JSON and download responses.
func APISecurityHeadersConfig(tls bool) SecurityHeadersConfig {
	return SecurityHeadersConfig{
		EnableHSTS:            tls,
		HSTSMaxAge:            31536000,
		FrameOptionsValue:     "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	}
}

// SecurityHeadersMiddleware sets the configured headers on every response.
func SecurityHeadersMiddleware(config SecurityHeadersConfig) gin.HandlerFunc {
	hsts := ""
	if config.EnableHSTS {
		parts := []string{"max-age=" + strconv.Itoa(config.HSTSMaxAge)}
		if config.HSTSIncludeSubdomains {
			parts = append(parts, "includeSubDomains")
		}
		hsts = strings.Join(parts, "; ")
	}

	return func(c *gin.Context) {
		if hsts != "" {
			c.Header("Strict-Transport-Security", hsts)
		}
		if config.FrameOptionsValue != "" {
			c.Header("X-Frame-Options", config.FrameOptionsValue)
		}
		c.Header("X-Content-Type-Options", "nosniff")
		if config.ContentSecurityPolicy != "" {
			c.Header("Content-Security-Policy", config.ContentSecurityPolicy)
		}
		if config.ReferrerPolicy != "" {
			c.Header("Referrer-Policy", config.ReferrerPolicy)
		}
		if config.PermissionsPolicy != "" {
			c.Header("Permissions-Policy", config.PermissionsPolicy)
		}
		c.Header("X-Permitted-Cross-Domain-Policies", "none")
		c.Header("Cross-Origin-Opener-Policy", "same-origin")

		c.Next()
	}
}

// SplitSecurityHeaders applies api to /api routes and console to everything
// else, so the SPA and the JSON API each get a fitting CSP. Paths under any
// of passthrough get no security headers: their responses carry the upstream
// headers unchanged.
func SplitSecurityHeaders(console, api SecurityHeadersConfig, passthrough ...string) gin.HandlerFunc {
	consoleMW := SecurityHeadersMiddleware(console)
	apiMW := SecurityHeadersMiddleware(api)
	return func(c *gin.Context) {
		p := c.Request.URL.Path
		for _, prefix := range passthrough {
			if strings.HasPrefix(p, prefix) {
				c.Next()
				return
			}
		}
		if strings.HasPrefix(p, "/api/") {
			apiMW(c)
			return
		}
		consoleMW(c)
	}
}
