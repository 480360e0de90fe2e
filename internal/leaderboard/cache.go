package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"
)

const globalKey = "global"

func roundKey(id string) string { return "round:" + id }

// Cache holds JSON-encoded leaderboard inputs. Entries expire after the
// configured TTL and are dropped explicitly when a round finishes or is
// deleted. A nil *Cache is valid and always misses.
type Cache struct {
	logger *zap.Logger
	cache  *bigcache.BigCache

	// epoch counts invalidations. A rebuild that started under an older
	// epoch must not be stored.
	epoch atomic.Uint64
}

// NewCache creates a cache. A non-positive ttl disables caching.
func NewCache(logger *zap.Logger, ttl time.Duration, maxMB int) (*Cache, error) {
	if ttl <= 0 {
		return nil, nil
	}

	config := bigcache.DefaultConfig(ttl)
	config.Shards = 64
	config.MaxEntriesInWindow = 1024
	config.MaxEntrySize = 4096
	config.HardMaxCacheSize = maxMB
	config.CleanWindow = time.Minute
	config.Verbose = false

	cache, err := bigcache.New(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create leaderboard cache: %w", err)
	}
	return &Cache{logger: logger.Named("leaderboard-cache"), cache: cache}, nil
}

func (c *Cache) get(key string, v any) bool {
	if c == nil {
		return false
	}
	data, err := c.cache.Get(key)
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			c.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.logger.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		c.delete(key)
		return false
	}
	return true
}

// generation returns the current invalidation epoch.
func (c *Cache) generation() uint64 {
	if c == nil {
		return 0
	}
	return c.epoch.Load()
}

// set stores v unless an invalidation happened after gen was read.
func (c *Cache) set(key string, v any, gen uint64) {
	if c == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("Failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	if c.epoch.Load() != gen {
		c.logger.Debug("Discarding stale cache entry", zap.String("key", key))
		return
	}
	if err := c.cache.Set(key, data); err != nil {
		c.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
		return
	}
	// An invalidation may have raced the write.
	if c.epoch.Load() != gen {
		c.delete(key)
	}
}

func (c *Cache) delete(keys ...string) {
	if c == nil {
		return
	}
	for _, key := range keys {
		if err := c.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			c.logger.Warn("Cache delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// InvalidateRound drops a round's entry and the global aggregate built
// from it.
func (c *Cache) InvalidateRound(roundID string) {
	if c == nil {
		return
	}
	c.epoch.Add(1)
	c.delete(roundKey(roundID), globalKey)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

// Close releases the cache.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.cache.Close()
}
