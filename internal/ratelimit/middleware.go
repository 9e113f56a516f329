package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// OwnerHeader carries the caller identity set by the auth layer in front of us.
const OwnerHeader = "X-Owner-ID"

// KeyFunc extracts the caller identity from a request.
type KeyFunc func(*http.Request) string

// CallerKey prefers the authenticated owner and falls back to the client IP.
func CallerKey(r *http.Request) string {
	if owner := strings.TrimSpace(r.Header.Get(OwnerHeader)); owner != "" {
		return "owner:" + owner
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware gates a route group with scope. Store errors fail open.
func (l *Limiter) Middleware(scope Scope, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = CallerKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := l.Allow(r.Context(), scope, key(r))
			if err != nil {
				l.log.Warn("rate limit store unavailable", zap.String("scope", string(scope)), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if res.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			}
			if !res.Allowed {
				secs := int(math.Ceil(res.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
