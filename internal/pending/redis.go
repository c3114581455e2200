package pending

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore returns a Store backed by Redis. Records are written with a
// TTL equal to the freshness window so abandoned entries clean themselves up
// even if no process ever resumes them.
func NewRedisStore(addr, keyPrefix string) Store {
	return &redisStore{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		keyPrefix: keyPrefix,
	}
}

func (s *redisStore) key(token string) string {
	return fmt.Sprintf("%s:pending:%s", s.keyPrefix, token)
}

func (s *redisStore) Save(ctx context.Context, info PaymentInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("pending: marshal %s: %w", info.Token, err)
	}
	return s.client.Set(ctx, s.key(info.Token), b, FreshnessWindow).Err()
}

func (s *redisStore) Load(ctx context.Context, token string) (*PaymentInfo, error) {
	raw, err := s.client.Get(ctx, s.key(token)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending: load %s: %w", token, err)
	}

	var info PaymentInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("pending: unmarshal %s: %w", token, err)
	}
	return &info, nil
}

func (s *redisStore) Clear(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.key(token)).Err()
}

func (s *redisStore) List(ctx context.Context) ([]PaymentInfo, error) {
	var (
		infos  []PaymentInfo
		cursor uint64
	)
	pattern := s.key("*")
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("pending: scan: %w", err)
		}
		for _, k := range keys {
			raw, err := s.client.Get(ctx, k).Result()
			if err == redis.Nil {
				continue // expired between SCAN and GET
			}
			if err != nil {
				return nil, fmt.Errorf("pending: load %s: %w", k, err)
			}
			var info PaymentInfo
			if err := json.Unmarshal([]byte(raw), &info); err != nil {
				continue
			}
			infos = append(infos, info)
		}
		cursor = next
		if cursor == 0 {
			return infos, nil
		}
	}
}
