// Package cache is an in-process TTL set. The API uses it as the access
// token denylist when no Redis is configured.
package cache

import (
	"context"
	"sync"
	"time"
)

type Cache struct {
	mu  sync.RWMutex
	m   map[string]time.Time
	now func() time.Time
}

func New() *Cache {
	return &Cache{
		m:   make(map[string]time.Time),
		now: time.Now,
	}
}

// Deny records jti until the moment its token would expire anyway.
func (c *Cache) Deny(_ context.Context, jti string, until time.Time) error {
	if !until.After(c.now()) {
		return nil
	}
	c.mu.Lock()
	if cur, ok := c.m[jti]; !ok || until.After(cur) {
		c.m[jti] = until
	}
	c.mu.Unlock()
	return nil
}

func (c *Cache) IsDenied(_ context.Context, jti string) (bool, error) {
	c.mu.RLock()
	exp, ok := c.m[jti]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if !c.now().Before(exp) {
		c.mu.Lock()
		delete(c.m, jti)
		c.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// Sweep drops expired entries and reports how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0

	c.mu.Lock()
	for k, exp := range c.m {
		if !now.Before(exp) {
			delete(c.m, k)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}

// Run sweeps every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}
