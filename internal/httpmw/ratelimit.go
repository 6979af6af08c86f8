// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package httpmw holds the small HTTP middleware stack in front of the
// `/health`, `/ready` and `/metrics` collaborator routes: rate limiting
// per source IP, with an operator-configurable whitelist. The WebSocket
// upgrade route is not wrapped by it.
package httpmw

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitConfig holds configuration for rate limiting middleware.
type RateLimitConfig struct {
	// RequestLimit is the maximum number of requests allowed in the window
	RequestLimit int
	// WindowSize is the time window for rate limiting
	WindowSize time.Duration
	// KeyFunc extracts the rate limit key from the request (e.g., IP address)
	// If nil, defaults to IP-based rate limiting
	KeyFunc func(r *http.Request) (string, error)
	// Whitelist is a list of IPs exempt from rate limiting
	Whitelist []string
}

// RateLimit creates a rate limiting middleware using the httprate library.
// It uses a sliding window counter algorithm for accurate rate limiting.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = httprate.KeyByIP
	}

	limiter := httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowSize,
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(cfg.WindowSize.Seconds())))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.RequestLimit))
			w.WriteHeader(http.StatusTooManyRequests)

			resp := `{"error":"rate_limit_exceeded","detail":"Too many requests. Please try again later."}`
			_, _ = w.Write([]byte(resp))
		}),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(cfg.Whitelist) > 0 {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					ip = r.RemoteAddr
				}
				for _, allowed := range cfg.Whitelist {
					if allowed == ip {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			limiter(next).ServeHTTP(w, r)
		})
	}
}

// DashboardRateLimit returns a rate limiter sized for the dashboard
// surface: WebSocket upgrade attempts and `/health` polling per source IP,
// with an operator-configurable whitelist (e.g. the vision-mixer suite
// behind the same NAT as the dashboard).
func DashboardRateLimit(enabled bool, requestsPerMinute int, whitelist []string) func(http.Handler) http.Handler {
	if !enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	if requestsPerMinute <= 0 {
		requestsPerMinute = 120
	}

	return RateLimit(RateLimitConfig{
		RequestLimit: requestsPerMinute,
		WindowSize:   time.Minute,
		Whitelist:    whitelist,
	})
}
