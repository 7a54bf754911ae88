// Package cache provides the process-wide TTL cache shared by the sync
// pipeline. Entries are capacity-bounded with least-hits eviction and an
// optional Redis tier so multiple sync processes can share resolved
// spreadsheet metadata.
package cache

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voyagetools/sheetbridge/internal/pkg/logger"
)

const (
	// DefaultTTL is deliberately long: spreadsheet metadata changes
	// rarely relative to sync frequency.
	DefaultTTL = 6 * time.Hour

	// DefaultCapacity bounds the in-memory tier.
	DefaultCapacity = 10000

	// DefaultSweepInterval is how often expired entries are collected
	// regardless of hit count.
	DefaultSweepInterval = 5 * time.Minute
)

// entry is one cached value. TTL is fixed from insertion; reads do not
// extend it.
type entry struct {
	value      interface{}
	insertedAt time.Time
	ttl        time.Duration
	hits       int64
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) > e.ttl
}

// Stats reports cache effectiveness for the health endpoint.
type Stats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Options configures a Cache.
type Options struct {
	TTL           time.Duration
	Capacity      int
	SweepInterval time.Duration
	Redis         *redis.Client // optional second tier, may be nil
}

// Cache is a TTL + capacity bounded key/value store. It is safe for
// concurrent use.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	ttl      time.Duration
	capacity int
	rdb      *redis.Client

	hits   int64
	misses int64

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Cache and starts its background sweep loop.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}

	c := &Cache{
		entries:  make(map[string]*entry),
		ttl:      opts.TTL,
		capacity: opts.Capacity,
		rdb:      opts.Redis,
		stop:     make(chan struct{}),
	}
	go c.sweepLoop(opts.SweepInterval)
	return c
}

var (
	sharedOnce sync.Once
	shared     *Cache
)

// Shared returns the lazily initialized process-wide cache. Components
// take a *Cache in their constructors; Shared is the default supplied by
// the wiring code, not something callers reach for directly.
func Shared() *Cache {
	sharedOnce.Do(func() {
		shared = New(Options{})
	})
	return shared
}

// Get returns the in-memory value for key, if present and unexpired.
func (c *Cache) Get(key string) (interface{}, bool) {
	return c.GetTTL(key, 0)
}

// GetTTL returns the value for key only if it is younger than maxAge.
// The effective bound is the tighter of maxAge and the entry's own TTL,
// so a caller can demand stricter freshness than the writer chose.
// maxAge <= 0 applies no extra bound. An entry that is too old for this
// caller but still live under its own TTL is kept for others.
func (c *Cache) GetTTL(key string, maxAge time.Duration) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	e, ok := c.entries[key]
	if !ok || e.expired(now) {
		if ok {
			delete(c.entries, key)
		}
		c.misses++
		return nil, false
	}
	if maxAge > 0 && now.Sub(e.insertedAt) > maxAge {
		c.misses++
		return nil, false
	}
	e.hits++
	c.hits++
	return e.value, true
}

// Set stores value under key with the cache's default TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.SetTTL(key, value, c.ttl)
}

// SetTTL stores value under key with an explicit TTL, evicting the
// least-hit entry if the cache is at capacity. An old entry with many
// hits survives over a new one with few.
func (c *Cache) SetTTL(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictLeastHitLocked()
	}
	c.entries[key] = &entry{value: value, insertedAt: time.Now(), ttl: ttl}
}

// GetJSON looks up key in memory first and then in the Redis tier,
// unmarshalling into dest. Redis errors degrade to a miss.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	if raw, ok := c.Get(key); ok {
		if data, isBytes := raw.([]byte); isBytes {
			return json.Unmarshal(data, dest) == nil
		}
	}

	if c.rdb == nil {
		return false
	}
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false
	}
	// Promote back into the local tier for the key's remaining life so
	// the copy cannot outlive the Redis entry's expiry.
	remaining, terr := c.rdb.TTL(ctx, key).Result()
	if terr != nil || remaining <= 0 {
		remaining = c.ttl
	}
	c.SetTTL(key, data, remaining)
	return true
}

// SetJSON stores the JSON encoding of value in memory and, when a Redis
// tier is configured, writes it through with the same TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.SetTTL(key, data, ttl)

	if c.rdb != nil {
		if ttl <= 0 {
			ttl = c.ttl
		}
		if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
			logger.Warn("cache redis tier write failed", "key", key, "error", err)
		}
	}
}

// DeletePattern removes every entry whose key matches the regular
// expression, in both tiers, and returns the number of in-memory
// entries removed.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) int {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0
	}

	c.mu.Lock()
	removed := 0
	for key := range c.entries {
		if re.MatchString(key) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if c.rdb != nil {
		c.deletePatternRedis(ctx, re)
	}
	return removed
}

// deletePatternRedis scans the Redis tier and deletes matching keys.
// The scan glob narrows by the pattern's literal prefix when one exists.
func (c *Cache) deletePatternRedis(ctx context.Context, re *regexp.Regexp) {
	glob := "*"
	if prefix, complete := re.LiteralPrefix(); prefix != "" {
		glob = prefix + "*"
		if complete {
			glob = prefix
		}
	}

	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, glob, 200).Result()
		if err != nil {
			logger.Warn("cache redis tier scan failed", "error", err)
			return
		}
		for _, key := range keys {
			if re.MatchString(key) {
				c.rdb.Del(ctx, key)
			}
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}

// Clear drops every in-memory entry and resets counters. The Redis tier
// is left alone; its entries expire on their own TTLs.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.hits = 0
	c.misses = 0
}

// Stats returns current size and hit rate.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Close stops the background sweep loop.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) evictLeastHitLocked() {
	var victim string
	victimHits := int64(-1)
	for key, e := range c.entries {
		if victimHits < 0 || e.hits < victimHits {
			victim = key
			victimHits = e.hits
		}
	}
	if victimHits >= 0 {
		delete(c.entries, victim)
	}
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
		}
	}
}
