package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const denyPrefix = "schoolhub:denied-jti:"

// Denylist keeps revoked access token ids in Redis so every API instance
// sees a logout. Keys expire with the token.
type Denylist struct {
	rdb *redis.Client
	now func() time.Time
}

func NewDenylist(c *Client) *Denylist {
	return &Denylist{rdb: c.Raw(), now: time.Now}
}

func (d *Denylist) Deny(ctx context.Context, jti string, until time.Time) error {
	ttl := until.Sub(d.now())
	if ttl <= 0 {
		return nil
	}
	return d.rdb.Set(ctx, denyPrefix+jti, "1", ttl).Err()
}

func (d *Denylist) IsDenied(ctx context.Context, jti string) (bool, error) {
	err := d.rdb.Get(ctx, denyPrefix+jti).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, err
	}
}
