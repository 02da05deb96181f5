package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// SecurityHeadersConfig controls SecurityHeaders.
type SecurityHeadersConfig struct {
	// TrustForwardedProto treats "X-Forwarded-Proto: https" as a TLS request.
	// Only enable it behind a proxy that sets the header itself.
	TrustForwardedProto bool
	// HSTSMaxAge defaults to one year.
	HSTSMaxAge time.Duration
}

// apiHeaders suit a server that only returns JSON, zip archives and event
// streams, none of which may be framed or cached.
var apiHeaders = http.Header{
	"X-Frame-Options":         {"DENY"},
	"X-Content-Type-Options":  {"nosniff"},
	"Referrer-Policy":         {"no-referrer"},
	"Content-Security-Policy": {"default-src 'none'; frame-ancestors 'none'; base-uri 'none'"},
	"Cache-Control":           {"no-store"},
}

func SecurityHeaders(cfg SecurityHeadersConfig) echo.MiddlewareFunc {
	if cfg.HSTSMaxAge <= 0 {
		cfg.HSTSMaxAge = 365 * 24 * time.Hour
	}
	hsts := "max-age=" + strconv.Itoa(int(cfg.HSTSMaxAge.Seconds())) + "; includeSubDomains"

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			headers := c.Response().Header()
			for k, v := range apiHeaders {
				headers[k] = v
			}
			if isSecureRequest(c.Request(), cfg.TrustForwardedProto) {
				headers.Set("Strict-Transport-Security", hsts)
			}
			return next(c)
		}
	}
}

func isSecureRequest(req *http.Request, trustProxy bool) bool {
	if req.TLS != nil {
		return true
	}
	return trustProxy && strings.EqualFold(req.Header.Get(echo.HeaderXForwardedProto), "https")
}
