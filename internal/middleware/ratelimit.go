package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	gwerrors "github.com/R3E-Network/transaction_gateway/internal/errors"
	"github.com/R3E-Network/transaction_gateway/internal/httputil"
	"github.com/R3E-Network/transaction_gateway/internal/logging"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per client address.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rate     rate.Limit
	burst    int
	logger   *logging.Logger

	// Now is the clock used for idle tracking.
	Now func() time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond per client with
// the given burst. A burst below one is raised to requestsPerSecond.
func NewRateLimiter(requestsPerSecond, burst int, logger *logging.Logger) *RateLimiter {
	if burst < 1 {
		burst = requestsPerSecond
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   logger,
		Now:      time.Now,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = rl.Now()
	return cl.limiter
}

// Handler returns the rate limiting handler.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if rl.getLimiter(key).Allow() {
			next.ServeHTTP(w, r)
			return
		}

		rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
			"client": key,
			"path":   r.URL.Path,
			"method": r.Method,
		})
		se := gwerrors.RateLimitExceeded(int(rl.rate), "1s")
		w.Header().Set("Retry-After", "1")
		httputil.WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, se.Details)
	})
}

// Cleanup drops limiters idle for longer than maxIdle and returns how many
// were removed.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.Now().Add(-maxIdle)
	removed := 0
	for key, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every interval until stop is closed.
func (rl *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup(interval)
			case <-stop:
				return
			}
		}
	}()
}

// clientKey prefers the first X-Forwarded-For hop, then the remote host.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
