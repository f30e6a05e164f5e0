package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"traffic_engine/internal/config"
)

var (
	corsAllowHeaders = []string{"Content-Type", "Authorization", "X-User-Email"}
	corsAllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
)

const corsMaxAge = 600

// allowedOrigin returns the value for Access-Control-Allow-Origin, or "" when
// origin is not allowed.
func allowedOrigin(cfg config.CorsConfig, origin string) string {
	if origin == "" {
		return ""
	}
	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			if cfg.AllowCredentials {
				// Browsers reject "*" together with credentials.
				return origin
			}
			return "*"
		}
		if strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

func corsMiddleware(cfg config.CorsConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := allowedOrigin(cfg, origin)
		w.Header().Add("Vary", "Origin")

		if allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			if cfg.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
		}

		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		if !preflight {
			next.ServeHTTP(w, r)
			return
		}
		if allowed == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(corsAllowHeaders, ", "))
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(corsAllowMethods, ", "))
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
		w.WriteHeader(http.StatusNoContent)
	})
}
