package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"offer-redemption-engine/internal/metrics"
	"offer-redemption-engine/internal/models"
	"offer-redemption-engine/internal/ratelimit"
)

// GetClientKey extracts a client identifier from the request.
// Uses IP address as the key.
func GetClientKey(r *http.Request) string {
	// Check X-Forwarded-For header (for proxies/load balancers)
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// Take the first IP (original client)
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware throttles every request under the api_call action,
// keyed by client IP. If the limiter backend fails the request is let
// through.
func RateLimitMiddleware(limiter ratelimit.Limiter, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := GetClientKey(r)

			res, err := limiter.Allow(r.Context(), ratelimit.ActionAPICall, key)
			if err != nil {
				logger.Warn().Err(err).Str("client", key).Msg("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}

			if res.Remaining != ratelimit.Unlimited {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			}
			if !res.Allowed {
				metrics.RateLimited.WithLabelValues(ratelimit.ActionAPICall).Inc()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.WaitTime.Seconds()))))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(models.ErrorResponse{
					Kind:    "rate_limited",
					Message: "rate limit exceeded, try again in " + ratelimit.HumanizeWait(res.WaitTime),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
