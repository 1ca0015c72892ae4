package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"feedcrawler/internal/config"
)

const (
	corsAllowHeaders = "Content-Type, Authorization, X-Owner-ID"
	corsAllowMethods = "GET, POST, DELETE, OPTIONS"
	corsMaxAge       = 600
)

// corsMiddleware answers preflights itself. X-Owner-ID is allowed so browser
// clients can scope list endpoints without a query string.
func corsMiddleware(cfg config.CorsConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := allowedOrigin(cfg, origin); allowed != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			if allowed != "*" {
				h.Add("Vary", "Origin")
			}
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedOrigin echoes the request origin when it is listed. A "*" entry
// matches anything, but with credentials on the concrete origin is echoed
// since browsers reject a wildcard there.
func allowedOrigin(cfg config.CorsConfig, origin string) string {
	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			if cfg.AllowCredentials && origin != "" {
				return origin
			}
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}
