package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// DenyFunc writes the response for a rejected request.
type DenyFunc func(w http.ResponseWriter, r *http.Request)

// Middleware rejects requests once their key's bucket is empty. Limiter
// errors fail open. Denied requests get a Retry-After header when the
// limiter can estimate one.
func Middleware(limiter Limiter, keyFunc KeyFunc, deny DenyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if limiter == nil || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				retry := 1
				if h, isHinter := limiter.(RetryHinter); isHinter {
					if s := int(math.Ceil(h.RetryAfter(key).Seconds())); s > retry {
						retry = s
					}
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				deny(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc keys requests by client IP taken from RemoteAddr.
// X-Forwarded-For is not trusted: any client can set it.
func IPKeyFunc(prefix string) KeyFunc {
	return func(r *http.Request) string {
		addr := r.RemoteAddr
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			addr = addr[:idx]
		}
		return prefix + ":" + addr
	}
}
