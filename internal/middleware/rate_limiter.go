package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RateLimiter bounds access attempts per principal with a fixed one-minute
// window. It slows down probing of the decision engine from one identity.
type RateLimiter struct {
	mu       sync.Mutex
	windows  map[string]*rateLimitWindow
	defaults RateLimitConfig
	logger   *slog.Logger
	now      func() time.Time
}

// RateLimitConfig defines the rate limiting thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter. Zero MaxCallsPerMinute selects 60.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if cfg.MaxCallsPerMinute <= 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		windows:  make(map[string]*rateLimitWindow),
		defaults: cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Allow counts one call for key and reports whether it is within limits.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	window, exists := rl.windows[key]
	if !exists || now.Sub(window.windowStart) > time.Minute {
		rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
		return true
	}
	window.count++
	if window.count > rl.defaults.MaxCallsPerMinute {
		if window.count == rl.defaults.MaxCallsPerMinute+1 {
			rl.logger.Warn("Rate limit exceeded", "principal", key, "limit", rl.defaults.MaxCallsPerMinute)
		}
		return false
	}
	return true
}

// Middleware enforces the limit on the principal set by RequirePrincipal.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := PrincipalFrom(r.Context())
		if key == "" {
			key = "anonymous"
		}
		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run removes expired windows every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	removed := 0
	for key, window := range rl.windows {
		if now.Sub(window.windowStart) > 2*time.Minute {
			delete(rl.windows, key)
			removed++
		}
	}
	return removed
}
