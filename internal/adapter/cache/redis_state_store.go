package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/pantry-auth/internal/domain/oauth"
	"github.com/smallbiznis/pantry-auth/internal/repository"
)

const statePrefix = "oauth:state:"

// RedisStateStore keeps in-flight authorization state under oauth:state:<state>.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ repository.OAuthStateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func stateKey(state string) string {
	return statePrefix + strings.TrimSpace(state)
}

// SaveState stores data under its own state value. An existing entry is never replaced.
func (s *RedisStateStore) SaveState(ctx context.Context, data oauth.State, ttl time.Duration) error {
	if strings.TrimSpace(data.State) == "" {
		return errors.New("save state: empty state value")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	ok, err := s.client.SetNX(ctx, stateKey(data.State), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	if !ok {
		return fmt.Errorf("persist state: %w", oauth.ErrInvalidState)
	}
	return nil
}

// TakeState atomically reads and deletes the entry, so each state is redeemed at most
// once. A missing or expired entry yields (nil, nil).
func (s *RedisStateStore) TakeState(ctx context.Context, state string) (*oauth.State, error) {
	raw, err := s.client.GetDel(ctx, stateKey(state)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("take state: %w", err)
	}
	var out oauth.State
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &out, nil
}
