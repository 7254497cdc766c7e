// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// fixedWindow counts one hit and returns the count with the remaining
// window in milliseconds.
var fixedWindow = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// RateLimiter enforces a fixed-window request budget per client using
// Redis counters shared by every server instance.
type RateLimiter struct {
	redis  redis.Scripter
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Limit          int
	Window         time.Duration
	IncludeHeaders bool
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// NewRateLimiter creates a new rate limiter. A nil client disables
// limiting.
func NewRateLimiter(client redis.Scripter, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 120
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &RateLimiter{
		redis:  client,
		logger: logger,
		config: cfg,
		now:    time.Now,
	}
}

// Check counts one request for clientID. Redis failures allow the request.
func (rl *RateLimiter) Check(ctx context.Context, clientID string) *RateLimitResult {
	now := rl.now()
	if rl.redis == nil {
		return &RateLimitResult{Allowed: true, Remaining: rl.config.Limit, Limit: rl.config.Limit}
	}

	key := "sentinel:ratelimit:" + clientID
	vals, err := fixedWindow.Run(ctx, rl.redis, []string{key}, rl.config.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		rl.logger.Warn("Rate limit check failed, allowing request",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
		return &RateLimitResult{Allowed: true, Remaining: rl.config.Limit, Limit: rl.config.Limit}
	}

	count := int(vals[0])
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = rl.config.Window
	}

	res := &RateLimitResult{
		Allowed:   count <= rl.config.Limit,
		Remaining: rl.config.Limit - count,
		Limit:     rl.config.Limit,
		ResetAt:   now.Add(ttl),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res
}

// Middleware returns an HTTP middleware for rate limiting. getClientID may
// be nil or return "" to fall back to the client address.
func (rl *RateLimiter) Middleware(getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var clientID string
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = ClientIP(r)
			}

			result := rl.Check(r.Context(), clientID)

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				if !result.ResetAt.IsZero() {
					w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
				}
			}

			if !result.Allowed {
				retry := int(result.RetryAfter.Seconds())
				if retry < 1 {
					retry = 1
				}
				rl.logger.Warn("Rate limit exceeded", zap.String("client_id", clientID))
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error":       "rate limit exceeded",
					"retry_after": retry,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the caller's address, preferring forwarded headers set
// by a fronting proxy.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
