package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-resilience/internal/ratelimit"
)

// apiKeyMiddleware rejects requests that do not carry one of keys
func apiKeyMiddleware(keys []string, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "API key is required")
				return
			}
			if !validKey(keys, token) {
				logger.WithFields(logrus.Fields{
					"api_key_prefix": maskAPIKey(token),
					"path":           r.URL.Path,
					"method":         r.Method,
					"remote_ip":      ratelimit.ClientIPExtractor(r),
				}).Warn("Invalid API key attempted")
				writeUnauthorized(w, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func validKey(keys []string, token string) bool {
	// Use constant-time comparison to prevent timing attacks
	for _, key := range keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:4] + "****" + apiKey[len(apiKey)-4:]
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"authentication_error","code":401},"timestamp":%d}`, message, time.Now().Unix())
}
