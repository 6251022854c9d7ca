package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheKeyPrefix namespaces every key this service writes.
const cacheKeyPrefix = "qa:"

// sweepEvery bounds how often Set scans the memory map for expired entries.
const sweepEvery = time.Minute

type CacheConfig struct {
	RedisURL    string
	EnableRedis bool
	DefaultTTL  time.Duration
}

// cacheEnvelope is what gets stored; StaleAt marks the end of the fresh window.
type cacheEnvelope struct {
	Data    json.RawMessage `json:"data"`
	StaleAt time.Time       `json:"stale_at"`
}

type memEntry struct {
	env     cacheEnvelope
	expires time.Time
}

// Cache serves stale-while-revalidate lookups from Redis, or from process
// memory when Redis is disabled or unreachable. An entry is fresh for its
// TTL and kept for twice that so stale reads can still be answered.
type Cache struct {
	cfg   CacheConfig
	redis *redis.Client

	mu        sync.RWMutex
	mem       map[string]memEntry
	lastSweep time.Time

	refreshMu  sync.Mutex
	refreshing map[string]bool

	hits, misses, stale int64
	statMu              sync.Mutex

	now func() time.Time
}

func NewCache(cfg CacheConfig) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	c := &Cache{
		cfg:        cfg,
		mem:        make(map[string]memEntry),
		refreshing: make(map[string]bool),
		now:        time.Now,
	}

	if cfg.EnableRedis && cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			cacheLog.Warnf("invalid REDIS_URL, using in-memory cache: %v", err)
			return c
		}
		client := redis.NewClient(opt)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			cacheLog.Warnf("redis unreachable, using in-memory cache: %v", err)
			_ = client.Close()
			return c
		}
		c.redis = client
		cacheLog.Infof("using redis at %s", opt.Addr)
	} else {
		cacheLog.Infof("using in-memory cache")
	}
	return c
}

func (c *Cache) Backend() string {
	if c.redis != nil {
		return "redis"
	}
	return "memory"
}

func (c *Cache) load(ctx context.Context, key string) (cacheEnvelope, bool) {
	if c.redis != nil {
		raw, err := c.redis.Get(ctx, key).Bytes()
		if err != nil {
			if err != redis.Nil {
				cacheLog.Warnf("redis get %s: %v", key, err)
			}
			return cacheEnvelope{}, false
		}
		var env cacheEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return cacheEnvelope{}, false
		}
		return env, true
	}

	c.mu.RLock()
	e, ok := c.mem[key]
	c.mu.RUnlock()
	if !ok {
		return cacheEnvelope{}, false
	}
	if c.now().After(e.expires) {
		c.mu.Lock()
		delete(c.mem, key)
		c.mu.Unlock()
		return cacheEnvelope{}, false
	}
	return e.env, true
}

// Get decodes the cached value into dst and reports whether it was found.
func (c *Cache) Get(ctx context.Context, key string, dst interface{}) bool {
	env, ok := c.load(ctx, key)
	if ok {
		ok = json.Unmarshal(env.Data, dst) == nil
	}
	c.statMu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.statMu.Unlock()
	return ok
}

// Set stores value for ttl (fresh) and keeps it for another ttl (stale).
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	env := cacheEnvelope{Data: data, StaleAt: c.now().Add(ttl)}

	if c.redis != nil {
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return c.redis.Set(ctx, key, raw, 2*ttl).Err()
	}

	now := c.now()
	c.mu.Lock()
	c.mem[key] = memEntry{env: env, expires: now.Add(2 * ttl)}
	if now.Sub(c.lastSweep) >= sweepEvery {
		c.sweepLocked(now)
	}
	c.mu.Unlock()
	return nil
}

// sweepLocked drops expired memory entries. c.mu must be held.
func (c *Cache) sweepLocked(now time.Time) {
	n := 0
	for k, e := range c.mem {
		if now.After(e.expires) {
			delete(c.mem, k)
			n++
		}
	}
	c.lastSweep = now
	if n > 0 {
		cacheLog.Debugf("swept %d expired entries", n)
	}
}

func (c *Cache) IsStale(ctx context.Context, key string) bool {
	env, ok := c.load(ctx, key)
	if !ok {
		return true
	}
	if c.now().After(env.StaleAt) {
		c.statMu.Lock()
		c.stale++
		c.statMu.Unlock()
		return true
	}
	return false
}

// TryStartRefresh claims the refresh of key; only one caller wins until
// FinishRefresh is called.
func (c *Cache) TryStartRefresh(key string) bool {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.refreshing[key] {
		return false
	}
	c.refreshing[key] = true
	return true
}

func (c *Cache) FinishRefresh(key string) {
	c.refreshMu.Lock()
	delete(c.refreshing, key)
	c.refreshMu.Unlock()
}

func (c *Cache) Delete(ctx context.Context, key string) {
	if c.redis != nil {
		_ = c.redis.Del(ctx, key).Err()
		return
	}
	c.mu.Lock()
	delete(c.mem, key)
	c.mu.Unlock()
}

type CacheStats struct {
	Backend string `json:"backend"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	Stale   int64  `json:"stale"`
	Entries int    `json:"entries"`
}

func (c *Cache) Stats() CacheStats {
	c.statMu.Lock()
	st := CacheStats{Backend: c.Backend(), Hits: c.hits, Misses: c.misses, Stale: c.stale}
	c.statMu.Unlock()
	if c.redis == nil {
		now := c.now()
		c.mu.RLock()
		for _, e := range c.mem {
			if !now.After(e.expires) {
				st.Entries++
			}
		}
		c.mu.RUnlock()
		return st
	}

	// Only count our own keys; the Redis database may be shared.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n := 0
	iter := c.redis.Scan(ctx, 0, cacheKeyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		cacheLog.Warnf("redis scan: %v", err)
		return st
	}
	st.Entries = n
	return st
}

func (c *Cache) Close() error {
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

// cacheTTLForDays mirrors how fast a period changes: short ranges expire fast.
func cacheTTLForDays(days int, def time.Duration) time.Duration {
	switch {
	case days <= 0:
		return def
	case days <= 1:
		return 30 * time.Second
	case days <= 7:
		return 2 * time.Minute
	case days <= 30:
		return 5 * time.Minute
	case days <= 90:
		return 15 * time.Minute
	default:
		return 30 * time.Minute
	}
}
