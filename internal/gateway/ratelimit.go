package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/basket/ijave/internal/config"
)

const (
	defaultRequestsPerMinute = 60
	defaultBurst             = 10
)

// bucket is a token bucket. The limiter's mutex guards it.
type bucket struct {
	tokens float64
	last   time.Time
}

// rateLimiter throttles requests per client host. Every throttled request
// costs one token; tokens refill continuously at RequestsPerMinute.
type rateLimiter struct {
	rate   float64 // tokens per second
	burst  float64
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *rateLimiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultRequestsPerMinute
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = defaultBurst
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &rateLimiter{
		rate:    float64(rpm) / 60,
		burst:   float64(burst),
		logger:  logger,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// take consumes a token for key. When none is left it reports how long
// until one is.
func (rl *rateLimiter) take(key string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, last: now}
		rl.buckets[key] = b
	}
	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.last).Seconds()*rl.rate)
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / rl.rate * float64(time.Second))
	return false, wait
}

// evict drops buckets untouched for maxAge. An idle bucket is full again
// long before that, so dropping it changes nothing for the client.
func (rl *rateLimiter) evict(maxAge time.Duration) int {
	cutoff := rl.now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, b := range rl.buckets {
		if b.last.Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	return evicted
}

func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// startEviction runs evict every interval until ctx is done.
func (rl *rateLimiter) startEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := rl.evict(maxAge); n > 0 {
					rl.logger.Debug("rate limiter eviction", "evicted", n, "remaining", rl.size())
				}
			}
		}
	}()
}

// wrap answers 429 with a Retry-After in whole seconds once a client has
// used up its burst.
func (rl *rateLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		ok, wait := rl.take(key)
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			rl.logger.Info("rate limited", "client", key, "path", r.URL.Path, "retry_after", secs)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey buckets requests by client host. RealIP has already replaced
// RemoteAddr when the server sits behind a proxy.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
