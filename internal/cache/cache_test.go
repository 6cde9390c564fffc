package cache

import (
	"context"
	"testing"
	"time"
)

func TestCache_DenyUntilExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	c := New()
	c.now = func() time.Time { return now }

	if err := c.Deny(ctx, "jti-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("deny: %v", err)
	}

	denied, _ := c.IsDenied(ctx, "jti-1")
	if !denied {
		t.Fatal("expected jti to be denied")
	}
	if denied, _ := c.IsDenied(ctx, "other"); denied {
		t.Fatal("unknown jti must not be denied")
	}

	now = now.Add(2 * time.Minute)
	if denied, _ := c.IsDenied(ctx, "jti-1"); denied {
		t.Fatal("entry should lapse with the token")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be dropped on read, len=%d", c.Len())
	}
}

func TestCache_IgnoresAlreadyExpired(t *testing.T) {
	c := New()
	_ = c.Deny(context.Background(), "old", time.Now().Add(-time.Second))
	if c.Len() != 0 {
		t.Fatal("expired token should not be stored")
	}
}

func TestCache_Sweep(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	c := New()
	c.now = func() time.Time { return now }

	_ = c.Deny(ctx, "a", now.Add(time.Second))
	_ = c.Deny(ctx, "b", now.Add(time.Hour))

	now = now.Add(time.Minute)
	if n := c.Sweep(); n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 left, got %d", c.Len())
	}
}
