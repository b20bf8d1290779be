// Package middleware holds HTTP middleware for the fabric's REST facade.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RateLimitConfig tunes the per-client sliding window.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	BurstSize         int // short spikes above the steady limit
}

type window struct {
	count   int
	started time.Time
}

// RateLimiter enforces a per-client sliding window over one minute. The
// count increment under the read lock is a deliberate soft race: rate limits
// are advisory thresholds, not accounting.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	cfg     RateLimitConfig
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute <= 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}
	rl := &RateLimiter{
		windows: make(map[string]*window),
		cfg:     cfg,
		logger:  slog.Default().With("component", "rate-limit"),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether the client identified by key is within limits.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	w, ok := rl.windows[key]
	if ok && now.Sub(w.started) <= time.Minute {
		w.count++
		count := w.count
		rl.mu.RUnlock()
		if count > rl.cfg.BurstSize {
			rl.logger.Warn("burst limit exceeded", "key", key, "count", count)
			return false
		}
		if count > rl.cfg.MaxCallsPerMinute {
			rl.logger.Warn("rate limit exceeded", "key", key, "count", count)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok = rl.windows[key]
	if ok && now.Sub(w.started) <= time.Minute {
		w.count++
		return w.count <= rl.cfg.BurstSize
	}
	rl.windows[key] = &window{count: 1, started: now}
	return true
}

// Middleware keys requests by X-Client-Id, falling back to the remote
// address, and answers 429 with a Retry-After when the window is spent.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Client-Id")
		if key == "" {
			key = r.RemoteAddr
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

// Stop halts the background window cleanup.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			rl.mu.Lock()
			for key, w := range rl.windows {
				if now.Sub(w.started) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}
