// Package security hardens responses of the JSON relay API.
package security

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderOptions tunes Headers.
type HeaderOptions struct {
	// HSTSMaxAge enables Strict-Transport-Security when positive. Set it
	// only behind TLS.
	HSTSMaxAge int
}

// Headers sets response headers for an API that browsers never render.
// Screening decisions are per-partner, so nothing may be cached.
func Headers(opts HeaderOptions) gin.HandlerFunc {
	fixed := [][2]string{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Referrer-Policy", "no-referrer"},
		{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
		{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
		{"Cache-Control", "no-store"},
	}
	if opts.HSTSMaxAge > 0 {
		fixed = append(fixed, [2]string{"Strict-Transport-Security", "max-age=" + strconv.Itoa(opts.HSTSMaxAge) + "; includeSubDomains"})
	}
	return func(c *gin.Context) {
		for _, h := range fixed {
			c.Header(h[0], h[1])
		}
		c.Next()
	}
}

var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}, ", ")
	corsAllow   = "Authorization, Content-Type, X-API-Key, X-Request-ID, Idempotency-Key, traceparent"
	corsExpose  = "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After"
)

// CORS admits browser calls from partner dashboards. "*" admits any
// origin without credentials. An empty list sends no CORS headers, and
// preflights from unknown origins are refused.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			allowed[o] = struct{}{}
		}
	}
	_, wildcard := allowed["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		_, listed := allowed[origin]
		ok := origin != "" && (wildcard || listed)

		if ok {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExpose)
			if !wildcard {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method != http.MethodOptions {
			c.Next()
			return
		}
		if origin != "" && !ok {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		if ok {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsAllow)
			h.Set("Access-Control-Max-Age", "86400")
		}
		c.AbortWithStatus(http.StatusNoContent)
	}
}
