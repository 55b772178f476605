package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharifemon/buspulse/internal/models"
)

type Cache struct {
	client      *redis.Client
	positionTTL time.Duration
	settingsTTL time.Duration
}

func New(addr, password string, db int, positionTTL, settingsTTL time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{
		client:      client,
		positionTTL: positionTTL,
		settingsTTL: settingsTTL,
	}, nil
}

// GetPosition returns a cached CurrentPosition, or nil on a miss.
func (c *Cache) GetPosition(ctx context.Context, busID string) (*models.CurrentPosition, error) {
	key := fmt.Sprintf("pos:%s", busID)
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get error: %w", err)
	}

	var pos models.CurrentPosition
	if err := json.Unmarshal(val, &pos); err != nil {
		return nil, fmt.Errorf("cache decode error: %w", err)
	}
	return &pos, nil
}

// SetPosition caches a freshly recomputed position under a short TTL.
func (c *Cache) SetPosition(ctx context.Context, pos *models.CurrentPosition) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("cache encode error: %w", err)
	}
	key := fmt.Sprintf("pos:%s", pos.BusID)
	if err := c.client.Set(ctx, key, data, c.positionTTL).Err(); err != nil {
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

// InvalidatePosition evicts a bus's cached position after a recompute.
func (c *Cache) InvalidatePosition(ctx context.Context, busID string) error {
	return c.client.Del(ctx, fmt.Sprintf("pos:%s", busID)).Err()
}

// GetSetting reads a cached business setting value.
func (c *Cache) GetSetting(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, "setting:"+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get error: %w", err)
	}
	return val, true, nil
}

// SetSetting writes a setting through the cache.
func (c *Cache) SetSetting(ctx context.Context, key, value string) error {
	return c.client.Set(ctx, "setting:"+key, value, c.settingsTTL).Err()
}

// InvalidateSetting evicts a setting after a write to the durable store.
func (c *Cache) InvalidateSetting(ctx context.Context, key string) error {
	return c.client.Del(ctx, "setting:"+key).Err()
}

// CheckRateLimit implements counter-based rate limiting with a rolling window.
func (c *Cache) CheckRateLimit(ctx context.Context, identifier string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf("rl:%s", identifier)

	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check error: %w", err)
	}

	count := incr.Val()
	return count <= int64(limit), nil
}

// IncrementDailyCounter bumps a per-day counter (e.g. locations ingested today).
// Keys expire after 48h so stale days clean themselves up.
func (c *Cache) IncrementDailyCounter(ctx context.Context, name string, day time.Time) error {
	key := fmt.Sprintf("daily:%s:%s", name, day.Format("2006-01-02"))
	pipe := c.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// GetDailyCounter reads a per-day counter, 0 when absent.
func (c *Cache) GetDailyCounter(ctx context.Context, name string, day time.Time) (int64, error) {
	key := fmt.Sprintf("daily:%s:%s", name, day.Format("2006-01-02"))
	val, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
