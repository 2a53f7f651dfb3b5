package api

import (
	"log"
	"net/http"
	"sync"
	"time"
)

// CORS allows cross-origin access to the API. The original service is
// wide open by design (browser UI on a different origin talks straight
// to it); tighten the origin list before exposing this beyond localhost.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimiter provides simple in-memory rate limiting
type RateLimiter struct {
	requests   map[string][]time.Time
	mu         sync.Mutex
	limit      int
	window     time.Duration
	maxEntries int
	stopChan   chan struct{}
}

// NewRateLimiter creates a rate limiter with specified limit per window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests:   make(map[string][]time.Time),
		limit:      limit,
		window:     window,
		maxEntries: 10000,
		stopChan:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Stop stops the cleanup goroutine. Should be called on graceful shutdown.
func (rl *RateLimiter) Stop() {
	close(rl.stopChan)
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for ip, times := range rl.requests {
				valid := withinWindow(times, now, rl.window)
				if len(valid) == 0 {
					delete(rl.requests, ip)
				} else {
					rl.requests[ip] = valid
				}
			}
			rl.mu.Unlock()
		case <-rl.stopChan:
			return
		}
	}
}

func withinWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	var valid []time.Time
	for _, t := range times {
		if now.Sub(t) < window {
			valid = append(valid, t)
		}
	}
	return valid
}

// Allow checks if a request from the given IP is allowed
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	valid := withinWindow(rl.requests[ip], now, rl.window)
	if len(valid) >= rl.limit {
		return false
	}

	// Bound the map so unique-IP floods cannot grow it without limit.
	if _, exists := rl.requests[ip]; !exists && len(rl.requests) >= rl.maxEntries {
		var oldestIP string
		var oldestTime time.Time
		first := true
		for entryIP, entryTimes := range rl.requests {
			if len(entryTimes) > 0 && (first || entryTimes[0].Before(oldestTime)) {
				oldestIP = entryIP
				oldestTime = entryTimes[0]
				first = false
			}
		}
		if oldestIP != "" {
			delete(rl.requests, oldestIP)
			log.Printf("[RATE_LIMIT] Evicted oldest entry for %s to stay under max entries", oldestIP)
		}
	}

	rl.requests[ip] = append(valid, now)
	return true
}

// Wrap adds rate limiting to a handler
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// RemoteAddr, not X-Forwarded-For: nothing trustworthy sits in
		// front of this service, so forwarded headers could only come
		// from clients trying to dodge the limiter.
		ip := r.RemoteAddr

		if !rl.Allow(ip) {
			log.Printf("[RATE_LIMIT] Blocked request from %s", ip)
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"success":false,"error":{"code":"RATE_LIMIT","message":"Too many requests"}}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LimitBodySize wraps a handler with request body size limiting
func LimitBodySize(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}
