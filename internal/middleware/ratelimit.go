package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/clawtask/backend/internal/metrics"
	"github.com/clawtask/backend/internal/ratelimit"
)

// SubjectFunc picks who a rule counts a request against.
type SubjectFunc func(r *http.Request) string

// ByAgent counts against the authenticated agent, falling back to the client IP.
func ByAgent(r *http.Request) string {
	if ag := AgentFromCtx(r.Context()); ag != nil {
		return ag.ID.String()
	}
	return ClientIP(r)
}

// ClientIP is the first X-Forwarded-For hop, else the connection's address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit rejects requests over rule with 429 RATE_LIMITED.
func RateLimit(l ratelimit.Limiter, rule ratelimit.Rule, subject SubjectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rule.Allow(r.Context(), l, subject(r)) {
				metrics.RateLimitedTotal.WithLabelValues(rule.Name).Inc()
				deny(w, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded. Try again later.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
