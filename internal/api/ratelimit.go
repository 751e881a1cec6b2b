package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unipanel/entitlements/internal/audit"
)

const (
	defaultRateLimit  = 120
	defaultRateWindow = time.Minute
)

type rateWindow struct {
	start time.Time
	count int
}

// RateLimiter counts requests per peer address in fixed windows. Windows that
// have ended are pruned at most once per window length, so the map only holds
// peers seen during the last two windows.
type RateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*rateWindow
	limit     int
	window    time.Duration
	lastPrune time.Time
	now       func() time.Time
}

// NewRateLimiter creates a rate limiter with the given limit per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		windows: make(map[string]*rateWindow),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow records a request from key and reports whether it is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastPrune) >= rl.window {
		rl.prune(now)
	}

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= rl.window {
		rl.windows[key] = &rateWindow{start: now, count: 1}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

func (rl *RateLimiter) prune(now time.Time) {
	for key, w := range rl.windows {
		if now.Sub(w.start) >= rl.window {
			delete(rl.windows, key)
		}
	}
	rl.lastPrune = now
}

func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// Middleware wraps an http.Handler with rate limiting keyed on the TCP peer.
// Forwarding headers are ignored; a spoofed X-Forwarded-For does not buy a
// fresh window.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if addr, ok := audit.PeerAddr(r); ok {
			key = addr.String()
		}
		if !rl.Allow(key) {
			log.Debug().Str("peer", key).Str("path", r.URL.Path).Msg("Request rate limited")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
