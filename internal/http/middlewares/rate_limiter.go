package middlewares

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// overflowKey collects requests once the key table is full.
const overflowKey = "\x00overflow"

// RateLimiter is a per-key fixed window limiter. The key table is bounded
// by maxKeys and swept by Run.
type RateLimiter struct {
	mu      sync.RWMutex
	window  time.Duration
	limit   int
	maxKeys int
	clients map[string]*clientBucket
	now     func() time.Time

	// OnLimited is called with the route of every rejected request.
	OnLimited func(route string)
}

type clientBucket struct {
	mu        sync.Mutex
	count     int
	windowEnd time.Time
	// dead is set by Sweep once the bucket has left the table.
	dead bool
}

func NewRateLimiter(limit int, window time.Duration, maxKeys int) *RateLimiter {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		maxKeys: maxKeys,
		clients: make(map[string]*clientBucket),
		now:     time.Now,
	}
}

// Allow counts one hit for key. When the limit is reached it reports how
// long until the window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := rl.now()
	for {
		if ok, retryAfter, live := rl.take(rl.bucket(key), now); live {
			return ok, retryAfter
		}
	}
}

// take counts a hit against b. live is false when a sweep removed b between
// lookup and lock; the caller must fetch the key's current bucket again.
func (rl *RateLimiter) take(b *clientBucket, now time.Time) (ok bool, retryAfter time.Duration, live bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dead {
		return false, 0, false
	}

	if !now.Before(b.windowEnd) {
		b.count = 0
		b.windowEnd = now.Add(rl.window)
	}

	if b.count >= rl.limit {
		return false, b.windowEnd.Sub(now), true
	}

	b.count++
	return true, 0, true
}

func (rl *RateLimiter) bucket(key string) *clientBucket {
	rl.mu.RLock()
	b, ok := rl.clients[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if b, ok := rl.clients[key]; ok {
		return b
	}
	if len(rl.clients) >= rl.maxKeys {
		key = overflowKey
		if b, ok := rl.clients[key]; ok {
			return b
		}
	}

	b = &clientBucket{}
	rl.clients[key] = b
	return b
}

// Sweep removes buckets whose window has ended.
func (rl *RateLimiter) Sweep() int {
	now := rl.now()
	removed := 0

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for k, b := range rl.clients {
		b.mu.Lock()
		if !now.Before(b.windowEnd) {
			b.dead = true
			delete(rl.clients, k)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}

func (rl *RateLimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.clients)
}

// Run sweeps expired buckets once per window until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	t := time.NewTicker(rl.window)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.Sweep()
		}
	}
}

// RateLimiterMiddleware enforces the limit for the key derived by keyFn.
// Keys are scoped by route so one endpoint cannot exhaust another.
func (rl *RateLimiter) RateLimiterMiddleware(keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFn(c)
		if key == "" {
			key = clientIP(c)
		}

		route := c.FullPath()

		ok, retryAfter := rl.Allow(route + "|" + key)
		if !ok {
			if rl.OnLimited != nil {
				rl.OnLimited(route)
			}

			secs := int(retryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			abortError(c, http.StatusTooManyRequests, "rate_limited", "Too many requests. Please try again shortly.")
			return
		}

		c.Next()
	}
}

// for unauthenticated endpoints: rate limit by IP
func KeyByIP(c *gin.Context) string {
	return clientIP(c)
}

// KeyByUserOrIP prefers the authenticated user id.
func KeyByUserOrIP(c *gin.Context) string {
	if id, ok := UserIDFromContext(c); ok {
		return "user:" + id
	}
	return clientIP(c)
}

func clientIP(c *gin.Context) string {
	ip := c.ClientIP()

	host, _, err := net.SplitHostPort(ip)
	if err == nil && host != "" {
		return host
	}

	return ip
}
