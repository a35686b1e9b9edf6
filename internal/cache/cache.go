/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based read-through layer for timeline documents.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/telemetry"
)

// Default TTL values for different cache types
const (
	DefaultTimelineTTL = 5 * time.Minute
	DefaultTileListTTL = 1 * time.Minute
)

// Key prefixes for Redis cache
const (
	keyPrefix   = "tiletimeline:cache:"
	KeyTileList = keyPrefix + "tiles"
	KeyTimeline = keyPrefix + "timeline:" // + tile_id
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TimelineTTL time.Duration
	TileListTTL time.Duration

	// DisableOnError turns caching off after the first Redis failure.
	DisableOnError bool
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		TimelineTTL:    DefaultTimelineTTL,
		TileListTTL:    DefaultTileListTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback. A nil *Cache
// is valid and never hits.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// New creates a new cache instance. An unreachable server yields a disabled
// cache rather than an error.
func New(cfg Config, logger zerolog.Logger) *Cache {
	logger = logger.With().Str("component", "cache").Logger()
	if cfg.TimelineTTL <= 0 {
		cfg.TimelineTTL = DefaultTimelineTTL
	}
	if cfg.TileListTTL <= 0 {
		cfg.TileListTTL = DefaultTileListTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		_ = client.Close()
		return &Cache{logger: logger, config: cfg, disabled: true}
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")
	return &Cache{client: client, logger: logger, config: cfg}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

// handleError handles Redis errors with circuit breaker logic.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

func (c *Cache) get(ctx context.Context, key string, dest any) bool {
	if !c.IsAvailable() {
		return false
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		telemetry.CacheOperationsTotal.WithLabelValues("miss").Inc()
		return false
	}
	if err != nil {
		telemetry.CacheOperationsTotal.WithLabelValues("error").Inc()
		c.handleError(err, "get")
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		telemetry.CacheOperationsTotal.WithLabelValues("error").Inc()
		return false
	}

	telemetry.CacheOperationsTotal.WithLabelValues("hit").Inc()
	return true
}

func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}
	return nil
}

func (c *Cache) delete(ctx context.Context, keys ...string) error {
	if !c.IsAvailable() {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}
	return nil
}

// CachedTimeline is the latest stored revision of a tile's document.
type CachedTimeline struct {
	TileID   string `json:"tile_id"`
	Version  int    `json:"version"`
	Source   string `json:"source"`
	Format   string `json:"format"`
	Checksum string `json:"checksum"`
	Document []byte `json:"document"`
}

// GetTimeline retrieves the cached latest revision for a tile.
func (c *Cache) GetTimeline(ctx context.Context, tileID string) (*CachedTimeline, bool) {
	var tl CachedTimeline
	if !c.get(ctx, KeyTimeline+tileID, &tl) {
		return nil, false
	}
	c.logger.Debug().Str("tile_id", tileID).Int("version", tl.Version).Msg("timeline cache hit")
	return &tl, true
}

// SetTimeline caches the latest revision for a tile.
func (c *Cache) SetTimeline(ctx context.Context, tl *CachedTimeline) error {
	if !c.IsAvailable() {
		return nil
	}
	return c.set(ctx, KeyTimeline+tl.TileID, tl, c.config.TimelineTTL)
}

// GetTileList retrieves the cached list of tile IDs.
func (c *Cache) GetTileList(ctx context.Context) ([]string, bool) {
	var ids []string
	if !c.get(ctx, KeyTileList, &ids) {
		return nil, false
	}
	return ids, true
}

// SetTileList caches the list of tile IDs.
func (c *Cache) SetTileList(ctx context.Context, ids []string) error {
	if !c.IsAvailable() {
		return nil
	}
	return c.set(ctx, KeyTileList, ids, c.config.TileListTTL)
}

// InvalidateTile removes a tile's timeline and the tile list.
func (c *Cache) InvalidateTile(ctx context.Context, tileID string) error {
	if !c.IsAvailable() {
		return nil
	}
	c.logger.Debug().Str("tile_id", tileID).Msg("invalidating tile cache")
	return c.delete(ctx, KeyTimeline+tileID, KeyTileList)
}

// FlushAll removes every tiletimeline cache key.
func (c *Cache) FlushAll(ctx context.Context) error {
	if !c.IsAvailable() {
		return nil
	}

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return err
		}
		if len(keys) > 0 {
			if err := c.delete(ctx, keys...); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
