package lifecycle

import (
	"container/list"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// CacheConfig bounds a TokenCache.
type CacheConfig struct {
	DefaultTTL      time.Duration
	MaxSize         int
	CleanupInterval time.Duration
}

// DefaultCacheConfig returns the defaults: five minute entries, 1000 of them, swept every minute.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		DefaultTTL:      5 * time.Minute,
		MaxSize:         1000,
		CleanupInterval: time.Minute,
	}
}

// CacheMetrics is a snapshot of cache activity.
type CacheMetrics struct {
	TotalTokens       int
	ExpiredTokens     int64
	Hits              int64
	Misses            int64
	Evictions         int64
	HitRatio          float64
	AverageAgeSeconds float64
	CollectedAt       time.Time
}

type cacheItem struct {
	key     Key
	entry   Entry
	element *list.Element
}

// TokenCache is an LRU cache of tokens with per-entry expiry. A background sweeper removes
// expired entries; Close stops it.
type TokenCache struct {
	cfg    CacheConfig
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	items   map[Key]*cacheItem
	order   *list.List // least recently accessed at the front
	metrics CacheMetrics

	done      chan struct{}
	closeOnce sync.Once
}

// CacheOption configures a TokenCache.
type CacheOption func(*TokenCache)

// WithCacheClock overrides the time source.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *TokenCache) {
		c.now = now
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *TokenCache) {
		c.logger = logger
	}
}

// NewTokenCache creates a cache and starts its sweeper when cfg.CleanupInterval is positive.
func NewTokenCache(cfg CacheConfig, opts ...CacheOption) *TokenCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultCacheConfig().MaxSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultCacheConfig().DefaultTTL
	}
	c := &TokenCache{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
		items:  make(map[Key]*cacheItem),
		order:  list.New(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("package", "airs-mcp"), slog.String("component", "token-cache"))
	if cfg.CleanupInterval > 0 {
		go c.sweep()
	}
	return c
}

// Store caches entry under key. A zero ttl uses the configured default. Entries without a
// refresh token never outlive their token. Storing into a full cache evicts the least recently
// accessed entry.
func (c *TokenCache) Store(key Key, entry Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.now()
	entry.CreatedAt = now
	entry.LastAccessed = now
	entry.ExpiresAt = now.Add(ttl)
	if !entry.CanRefresh() && !entry.Token.ExpiresAt.IsZero() && entry.Token.ExpiresAt.Before(entry.ExpiresAt) {
		entry.ExpiresAt = entry.Token.ExpiresAt
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		it.entry = entry
		c.order.MoveToBack(it.element)
		return
	}
	if len(c.items) >= c.cfg.MaxSize {
		c.evictOldestLocked()
	}
	it := &cacheItem{key: key, entry: entry}
	it.element = c.order.PushBack(it)
	c.items[key] = it
}

// Retrieve returns a copy of the entry under key. It counts as an access: the entry becomes the
// most recently used, and an expired entry is removed and reported as a miss.
func (c *TokenCache) Retrieve(key Key) (Entry, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[key]
	if !ok {
		c.metrics.Misses++
		return Entry{}, false
	}
	if it.entry.Expired(now) {
		c.removeLocked(it)
		c.metrics.ExpiredTokens++
		c.metrics.Misses++
		return Entry{}, false
	}
	it.entry.LastAccessed = now
	it.entry.AccessCount++
	c.order.MoveToBack(it.element)
	c.metrics.Hits++
	return it.entry, true
}

// Remove deletes key, reporting whether it was present.
func (c *TokenCache) Remove(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if ok {
		c.removeLocked(it)
	}
	return ok
}

// Exists reports whether an unexpired entry is cached under key. It does not count as an access.
func (c *TokenCache) Exists(key Key) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	return ok && !it.entry.Expired(now)
}

// Expiration returns when the entry under key expires.
func (c *TokenCache) Expiration(key Key) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return time.Time{}, false
	}
	return it.entry.ExpiresAt, true
}

// UpdateExpiration moves the expiry of the entry under key.
func (c *TokenCache) UpdateExpiration(key Key, expiresAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if ok {
		it.entry.ExpiresAt = expiresAt
	}
	return ok
}

// ClearExpired removes every expired entry and returns how many were removed.
func (c *TokenCache) ClearExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, it := range c.items {
		if it.entry.Expired(now) {
			c.removeLocked(it)
			removed++
		}
	}
	c.metrics.ExpiredTokens += int64(removed)
	return removed
}

// Metrics returns a snapshot of the cache counters.
func (c *TokenCache) Metrics() CacheMetrics {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.metrics
	m.TotalTokens = len(c.items)
	if total := m.Hits + m.Misses; total > 0 {
		m.HitRatio = float64(m.Hits) / float64(total)
	}
	if len(c.items) > 0 {
		var age time.Duration
		for _, it := range c.items {
			age += now.Sub(it.entry.CreatedAt)
		}
		m.AverageAgeSeconds = age.Seconds() / float64(len(c.items))
	}
	m.CollectedAt = now
	return m
}

// Keys lists cached keys from least to most recently accessed.
func (c *TokenCache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]Key, 0, len(c.items))
	for e := c.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*cacheItem).key)
	}
	return slices.Clip(keys)
}

// Len is the number of cached entries, expired ones included.
func (c *TokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the sweeper. It is safe to call more than once.
func (c *TokenCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *TokenCache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	it := front.Value.(*cacheItem)
	c.removeLocked(it)
	c.metrics.Evictions++
	c.logger.Debug("evicted token", slog.String("key", it.key.String()))
}

func (c *TokenCache) removeLocked(it *cacheItem) {
	c.order.Remove(it.element)
	delete(c.items, it.key)
}

func (c *TokenCache) sweep() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.ClearExpired(); n > 0 {
				c.logger.Debug("swept expired tokens", slog.Int("removed", n))
			}
		case <-c.done:
			return
		}
	}
}
