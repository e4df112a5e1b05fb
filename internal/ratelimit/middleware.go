package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// KeyExtractor derives the budget key for an inbound HTTP request
type KeyExtractor func(*http.Request) string

// Middleware limits inbound HTTP requests per extracted key. The budget is
// stored under the "ops" provider namespace.
func Middleware(limiter *Limiter, limit int, window time.Duration, keyExtractor KeyExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract rate limiting key
			key := keyExtractor(r)
			if key == "" || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.CheckAndConsume(r.Context(), "ops", key, limit, window)
			if err != nil {
				http.Error(w, "Rate limiting error", http.StatusInternalServerError)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))

			if !result.Allowed {
				retryAfter := int(result.RetryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				fmt.Fprintf(w, `{"error":{"message":"Rate limit exceeded","type":"rate_limit_error","code":429,"retry_after":%d}}`, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIPExtractor keys requests by client address
func ClientIPExtractor(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return "ip:" + strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return "ip:" + realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
