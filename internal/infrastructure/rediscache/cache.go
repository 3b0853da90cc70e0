// Package rediscache caches ward dashboard snapshots in Redis
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/domain/ward"
)

// DefaultTTL keeps dashboards fresh enough for a ward display that polls
const DefaultTTL = 15 * time.Second

const (
	dashboardKey  = "dashboard"
	generationKey = "dashboard:generation"
)

// snapshot is a dashboard tagged with the invalidation generation it was
// computed under. A snapshot from an older generation is never served, so a
// computation that races a write cannot outlive the write's Invalidate.
type snapshot struct {
	Generation int64      `json:"generation"`
	Stats      ward.Stats `json:"stats"`
}

// Config holds cache configuration
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
	Enabled   bool
}

// Cache stores dashboard snapshots. A disabled cache computes every call.
type Cache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	enabled   bool
	logger    *zap.Logger
}

// New creates a cache and checks the connection when enabled
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return &Cache{enabled: false, logger: logger}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "partograph"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		client:    client,
		keyPrefix: prefix,
		ttl:       ttl,
		enabled:   true,
		logger:    logger,
	}, nil
}

// Disabled returns a cache that always computes
func Disabled() *Cache {
	return &Cache{enabled: false, logger: zap.NewNop()}
}

// IsEnabled reports whether Redis is in use
func (c *Cache) IsEnabled() bool { return c.enabled }

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (c *Cache) Ping(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func (c *Cache) key(parts ...string) string {
	key := c.keyPrefix
	for _, part := range parts {
		key += ":" + part
	}
	return key
}

// Dashboard returns the cached snapshot or computes and stores a new one.
// Redis failures fall back to compute; they are logged, not returned.
func (c *Cache) Dashboard(ctx context.Context, compute func(context.Context) (ward.Stats, error)) (ward.Stats, bool, error) {
	if !c.enabled {
		stats, err := compute(ctx)
		return stats, false, err
	}

	gen, cached, err := c.read(ctx)
	if err != nil {
		c.logger.Warn("dashboard cache read failed", zap.Error(err))
		stats, err := compute(ctx)
		return stats, false, err
	}
	if cached != nil {
		return *cached, true, nil
	}

	stats, err := compute(ctx)
	if err != nil {
		return ward.Stats{}, false, err
	}
	if data, err := json.Marshal(snapshot{Generation: gen, Stats: stats}); err == nil {
		if err := c.client.Set(ctx, c.key(dashboardKey), data, c.ttl).Err(); err != nil {
			c.logger.Warn("dashboard cache write failed", zap.Error(err))
		}
	}
	return stats, false, nil
}

// read returns the current generation and the cached stats when a snapshot
// of that generation is stored
func (c *Cache) read(ctx context.Context) (int64, *ward.Stats, error) {
	vals, err := c.client.MGet(ctx, c.key(dashboardKey), c.key(generationKey)).Result()
	if err != nil {
		return 0, nil, err
	}

	var gen int64
	if raw, ok := vals[1].(string); ok {
		if gen, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return 0, nil, fmt.Errorf("parse dashboard generation: %w", err)
		}
	}

	raw, ok := vals[0].(string)
	if !ok {
		return gen, nil, nil
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		c.logger.Warn("discarding undecodable dashboard snapshot")
		return gen, nil, nil
	}
	if snap.Generation != gen {
		return gen, nil, nil
	}
	return gen, &snap.Stats, nil
}

// Invalidate drops the cached dashboard after a write. Bumping the
// generation also voids any snapshot still being computed.
func (c *Cache) Invalidate(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.key(generationKey))
		pipe.Del(ctx, c.key(dashboardKey))
		return nil
	})
	return err
}
