package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/metrics"
	"github.com/quantsignals/signalforge/internal/signal"
)

// VerdictCache caches source verdicts keyed by (source, symbol, time
// bucket). Redis is the primary backend; when Redis is disabled or
// unreachable the cache degrades to an in-process map so a cache outage
// never blocks a cycle.
type VerdictCache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger

	mu    sync.RWMutex
	local map[string]localEntry
}

type localEntry struct {
	verdict   signal.SourceVerdict
	expiresAt time.Time
}

// NewVerdictCache builds the cache. client may be nil for memory-only
// operation.
func NewVerdictCache(client *redis.Client, defaultTTL time.Duration) *VerdictCache {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}
	return &VerdictCache{
		client: client,
		ttl:    defaultTTL,
		log:    config.NewLogger("verdict_cache"),
		local:  make(map[string]localEntry),
	}
}

// NewRedisClient connects the shared cache client, or returns nil when
// caching is disabled.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// key buckets timestamps to the TTL boundary so all lookups inside one
// bucket share an entry.
func (c *VerdictCache) key(sourceID, symbol string, now time.Time, ttl time.Duration) string {
	bucket := now.UTC().Truncate(ttl).Unix()
	return fmt.Sprintf("verdict:%s:%s:%d", sourceID, symbol, bucket)
}

// Get returns the cached verdict for the bucket containing now, if any.
func (c *VerdictCache) Get(ctx context.Context, sourceID, symbol string, now time.Time, ttl time.Duration) (*signal.SourceVerdict, bool) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	k := c.key(sourceID, symbol, now, ttl)

	if c.client != nil {
		raw, err := c.client.Get(ctx, k).Result()
		if err == nil {
			var v signal.SourceVerdict
			if err := json.Unmarshal([]byte(raw), &v); err == nil {
				metrics.SourceCacheHits.WithLabelValues(sourceID).Inc()
				return &v, true
			}
			c.log.Warn().Err(err).Str("key", k).Msg("Corrupt cache entry, ignoring")
		} else if err != redis.Nil {
			c.log.Debug().Err(err).Msg("Redis cache read failed, using local cache")
		}
	}

	c.mu.RLock()
	entry, ok := c.local[k]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		metrics.SourceCacheHits.WithLabelValues(sourceID).Inc()
		v := entry.verdict
		return &v, true
	}
	return nil, false
}

// Put stores a verdict in both backends.
func (c *VerdictCache) Put(ctx context.Context, sourceID, symbol string, now time.Time, ttl time.Duration, v *signal.SourceVerdict) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	k := c.key(sourceID, symbol, now, ttl)

	if c.client != nil {
		if raw, err := json.Marshal(v); err == nil {
			if err := c.client.Set(ctx, k, raw, ttl).Err(); err != nil {
				c.log.Debug().Err(err).Msg("Redis cache write failed")
			}
		}
	}

	c.mu.Lock()
	c.local[k] = localEntry{verdict: *v, expiresAt: time.Now().Add(ttl)}
	// Opportunistic sweep so the local map does not grow unbounded.
	if len(c.local) > 4096 {
		nowT := time.Now()
		for key, e := range c.local {
			if nowT.After(e.expiresAt) {
				delete(c.local, key)
			}
		}
	}
	c.mu.Unlock()
}
