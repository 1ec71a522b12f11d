package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/pantry-auth/internal/repository"
)

const revokedPrefix = "revoked:jti:"

// RedisRevocationList remembers revoked access token ids until the tokens expire.
type RedisRevocationList struct {
	client redis.UniversalClient
	clock  func() time.Time
}

var _ repository.RevocationList = (*RedisRevocationList)(nil)

// NewRedisRevocationList constructs the list.
func NewRedisRevocationList(client redis.UniversalClient) *RedisRevocationList {
	return &RedisRevocationList{client: client, clock: time.Now}
}

// Revoke denylists jti until the given instant. Ids already past until are ignored.
func (l *RedisRevocationList) Revoke(ctx context.Context, jti string, until time.Time) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return errors.New("revocation list: empty token id")
	}
	ttl := until.Sub(l.clock())
	if ttl <= 0 {
		return nil
	}
	if err := l.client.Set(ctx, revokedPrefix+jti, 1, ttl).Err(); err != nil {
		return fmt.Errorf("revoke jti: %w", err)
	}
	return nil
}

// IsRevoked reports whether jti is on the list.
func (l *RedisRevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := l.client.Exists(ctx, revokedPrefix+strings.TrimSpace(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("check jti: %w", err)
	}
	return n > 0, nil
}
