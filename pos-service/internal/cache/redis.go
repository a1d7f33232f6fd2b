package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

var ErrCacheMiss = errors.New("cache miss")

func NewRedisCache(client *redis.Client, terminal string) *RedisCache {
	return &RedisCache{
		client:   client,
		terminal: terminal,
		baseTTL:  30 * time.Second,
	}
}

// RedisCache keeps a short lived snapshot of the active caja so that customer
// displays and dashboards do not hit the database on every poll.
type RedisCache struct {
	client   *redis.Client
	terminal string
	baseTTL  time.Duration
	sfg      singleflight.Group // one load per key on a miss
}

func (r *RedisCache) Get(ctx context.Context) (*domain.Caja, error) {
	data, err := r.client.Get(ctx, cacheKey(r.terminal)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var c domain.Caja
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal caja failed: %w", err)
	}
	return &c, nil
}

func (r *RedisCache) Set(ctx context.Context, c *domain.Caja) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal caja failed: %w", err)
	}

	jitter := time.Duration(rand.Intn(5)) * time.Second
	if err := r.client.Set(ctx, cacheKey(r.terminal), data, r.baseTTL+jitter).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisCache) Invalidate(ctx context.Context) error {
	if err := r.client.Del(ctx, cacheKey(r.terminal)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Current returns the cached snapshot or loads, stores and returns a fresh one.
// Redis being down degrades to a direct load.
func (r *RedisCache) Current(ctx context.Context, load func(ctx context.Context) (*domain.Caja, error)) (*domain.Caja, error) {
	c, err := r.Get(ctx)
	if err == nil {
		return c, nil
	}

	v, err, _ := r.sfg.Do(cacheKey(r.terminal), func() (interface{}, error) {
		fresh, err := load(ctx)
		if err != nil {
			return nil, err
		}
		_ = r.Set(ctx, fresh)
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Caja).Clone(), nil
}

func cacheKey(terminal string) string {
	return fmt.Sprintf("caja:active:%s", terminal)
}
