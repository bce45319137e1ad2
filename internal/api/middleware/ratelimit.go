package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window in-memory per-IP rate limiter for the
// ingress and upload endpoints. Feed streams are exempt: one long-lived
// connection is one request.
type RateLimiter struct {
	windows  map[string]*window
	requests int
	interval time.Duration
	mu       sync.Mutex
}

// window tracks one client's request count until resetAt.
type window struct {
	resetAt time.Time
	count   int
}

// NewRateLimiter allows up to requests per interval per client IP.
// Expired windows are swept in the background.
func NewRateLimiter(requests int, interval time.Duration) *RateLimiter {
	rl := &RateLimiter{
		windows:  make(map[string]*window),
		requests: requests,
		interval: interval,
	}
	go rl.sweep()
	return rl
}

// Middleware returns a rate limiting middleware
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := rl.allow(clientIP(r))
		if !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "RateLimited",
				"message": "Too many requests, slow down",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(clientID string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now().UTC()

	win, ok := rl.windows[clientID]
	if !ok || now.After(win.resetAt) {
		rl.windows[clientID] = &window{count: 1, resetAt: now.Add(rl.interval)}
		return true, 0
	}

	if win.count < rl.requests {
		win.count++
		return true, 0
	}
	return false, win.resetAt.Sub(now)
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(rl.interval)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now().UTC()
		for clientID, win := range rl.windows {
			if now.After(win.resetAt) {
				delete(rl.windows, clientID)
			}
		}
		rl.mu.Unlock()
	}
}

// clientIP prefers proxy headers over the socket address. With
// X-Forwarded-For only the first hop is the client.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
