package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// fakeScripter counts script runs per key the way the fixed window script
// does, without a Redis server.
type fakeScripter struct {
	mu     sync.Mutex
	counts map[string]int64
	pttl   int64
	err    error
}

func newFakeScripter() *fakeScripter {
	return &fakeScripter{counts: make(map[string]int64), pttl: 30000}
}

func (f *fakeScripter) run(keys []string) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewCmdResult(nil, f.err)
	}
	f.counts[keys[0]]++
	return redis.NewCmdResult([]interface{}{f.counts[keys[0]], f.pttl}, nil)
}

func (f *fakeScripter) Eval(_ context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	return f.run(keys)
}

func (f *fakeScripter) EvalSha(_ context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	return f.run(keys)
}

func (f *fakeScripter) EvalRO(_ context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	return f.run(keys)
}

func (f *fakeScripter) EvalShaRO(_ context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	return f.run(keys)
}

func (f *fakeScripter) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeScripter) ScriptLoad(_ context.Context, _ string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusAccepted)
})

// =============================================================================
// Check Tests
// =============================================================================

// TestCheck_EnforcesLimit verifies requests beyond the limit are refused
// until the window resets.
func TestCheck_EnforcesLimit(t *testing.T) {
	rl := NewRateLimiter(newFakeScripter(), RateLimitConfig{Limit: 2, Window: time.Minute}, zap.NewNop())
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		res := rl.Check(ctx, "agent-1")
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if res.Remaining != 2-i {
			t.Errorf("request %d: remaining = %d, want %d", i, res.Remaining, 2-i)
		}
	}

	res := rl.Check(ctx, "agent-1")
	if res.Allowed {
		t.Fatal("third request should be refused")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfter != 30*time.Second {
		t.Errorf("retry after = %v, want 30s", res.RetryAfter)
	}
}

// TestCheck_PerClient verifies each client has its own budget.
func TestCheck_PerClient(t *testing.T) {
	rl := NewRateLimiter(newFakeScripter(), RateLimitConfig{Limit: 1, Window: time.Minute}, zap.NewNop())
	ctx := context.Background()

	if !rl.Check(ctx, "agent-1").Allowed {
		t.Fatal("agent-1 first request should be allowed")
	}
	if !rl.Check(ctx, "agent-2").Allowed {
		t.Fatal("agent-2 should not share agent-1's budget")
	}
}

// TestCheck_FailsOpen verifies a Redis failure allows the request.
func TestCheck_FailsOpen(t *testing.T) {
	s := newFakeScripter()
	s.err = errors.New("connection refused")
	rl := NewRateLimiter(s, RateLimitConfig{Limit: 1, Window: time.Minute}, zap.NewNop())

	for i := 0; i < 3; i++ {
		if !rl.Check(context.Background(), "agent-1").Allowed {
			t.Fatal("requests should be allowed when Redis is unavailable")
		}
	}
}

// TestCheck_NilClient verifies limiting is disabled without Redis.
func TestCheck_NilClient(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{Limit: 1}, zap.NewNop())
	if !rl.Check(context.Background(), "x").Allowed || !rl.Check(context.Background(), "x").Allowed {
		t.Fatal("nil client should never refuse")
	}
}

// =============================================================================
// Middleware Tests
// =============================================================================

// TestMiddleware_Rejects verifies the 429 response and headers.
func TestMiddleware_Rejects(t *testing.T) {
	rl := NewRateLimiter(newFakeScripter(), RateLimitConfig{Limit: 1, Window: time.Minute, IncludeHeaders: true}, zap.NewNop())
	handler := rl.Middleware(ClientIP)(okHandler)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", nil)
		req.RemoteAddr = "198.51.100.7:52114"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusAccepted {
		t.Fatalf("first request status = %d, want 202", rec.Code)
	}

	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Errorf("X-RateLimit-Limit = %q, want 1", got)
	}
}

// TestMiddleware_DefaultsToClientIP verifies a nil key func keys requests
// by address.
func TestMiddleware_DefaultsToClientIP(t *testing.T) {
	s := newFakeScripter()
	rl := NewRateLimiter(s, RateLimitConfig{Limit: 5, Window: time.Minute}, zap.NewNop())
	handler := rl.Middleware(nil)(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", nil)
	req.RemoteAddr = "198.51.100.7:52114"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if s.counts["sentinel:ratelimit:198.51.100.7"] != 1 {
		t.Errorf("expected one hit keyed by client IP, got %v", s.counts)
	}
}

// TestMiddleware_IgnoresAgentHeader verifies rotating a self-declared agent
// id does not reset the budget of one address.
func TestMiddleware_IgnoresAgentHeader(t *testing.T) {
	s := newFakeScripter()
	rl := NewRateLimiter(s, RateLimitConfig{Limit: 2, Window: time.Minute}, zap.NewNop())
	handler := rl.Middleware(ClientIP)(okHandler)

	var codes []int
	for _, id := range []string{"agent-1", "agent-2", "agent-3"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", nil)
		req.RemoteAddr = "198.51.100.7:52114"
		req.Header.Set("X-Agent-ID", id)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429 (all: %v)", codes[2], codes)
	}
	if len(s.counts) != 1 {
		t.Errorf("expected a single rate limit key, got %v", s.counts)
	}
}

// TestClientIP verifies forwarded headers take precedence.
func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.1"}, "10.0.0.2:1", "203.0.113.1"},
		{"real ip", map[string]string{"X-Real-IP": "203.0.113.2"}, "10.0.0.2:1", "203.0.113.2"},
		{"remote addr", nil, "192.0.2.9:443", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
