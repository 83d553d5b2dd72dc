// Package cache provides a generic, thread-safe TTL cache used for
// ephemeral per-device state: hot status snapshots, technical configuration
// snapshots, and SPC control-limit entries.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

// Statistics tracks cache effectiveness. Always enabled.
type Statistics struct {
	hits    atomic.Int64
	misses  atomic.Int64
	evicted atomic.Int64
}

// Hits returns the number of cache hits.
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the number of cache misses.
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Evicted returns the number of evicted entries.
func (s *Statistics) Evicted() int64 { return s.evicted.Load() }

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// TTL is a thread-safe cache whose entries expire after a per-entry or
// default time-to-live. A background sweeper removes expired entries; Get
// also checks expiry so a stale entry is never returned between sweeps.
type TTL[V any] struct {
	mu         sync.RWMutex
	defaultTTL time.Duration
	items      map[string]*entry[V]
	stats      Statistics
	evictFn    EvictCallback[V]
	now        func() time.Time

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Option configures a TTL cache.
type Option[V any] func(*TTL[V])

// WithEvictCallback registers a callback invoked for swept and expired
// entries.
func WithEvictCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *TTL[V]) { c.evictFn = fn }
}

// WithClock overrides the time source. Test hook.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *TTL[V]) { c.now = now }
}

// NewTTL creates a TTL cache with the given default time-to-live and sweep
// interval. Close must be called to stop the sweeper.
func NewTTL[V any](defaultTTL, sweepInterval time.Duration, opts ...Option[V]) *TTL[V] {
	c := &TTL[V]{
		defaultTTL: defaultTTL,
		items:      make(map[string]*entry[V]),
		now:        time.Now,
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweep(sweepInterval)
	return c
}

// Get retrieves a value by key. Expired entries count as misses.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || e.expired(c.now()) {
		var zero V
		c.stats.misses.Add(1)
		if ok {
			c.removeExpired(key)
		}
		return zero, false
	}
	c.stats.hits.Add(1)
	return e.value, true
}

// Set stores a value under the default TTL.
func (c *TTL[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value with an explicit TTL.
func (c *TTL[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	c.items[key] = &entry[V]{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Delete removes an entry by key. Returns true if the key existed.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	_, ok := c.items[key]
	delete(c.items, key)
	c.mu.Unlock()
	return ok
}

// Size returns the current number of entries, expired or not.
func (c *TTL[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns all keys currently in the cache.
func (c *TTL[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	return keys
}

// Stats returns the cache statistics.
func (c *TTL[V]) Stats() *Statistics {
	return &c.stats
}

// Close stops the background sweeper. Safe to call more than once.
func (c *TTL[V]) Close() {
	c.once.Do(func() {
		close(c.shutdown)
		<-c.done
	})
}

func (c *TTL[V]) removeExpired(key string) {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok && e.expired(c.now()) {
		delete(c.items, key)
		c.stats.evicted.Add(1)
		if c.evictFn != nil {
			// Call outside the lock to avoid re-entrancy deadlocks.
			value := e.value
			c.mu.Unlock()
			c.evictFn(key, value)
			return
		}
	}
	c.mu.Unlock()
}

func (c *TTL[V]) sweep(interval time.Duration) {
	defer close(c.done)
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			now := c.now()
			type evicted struct {
				key   string
				value V
			}
			var swept []evicted
			c.mu.Lock()
			for k, e := range c.items {
				if e.expired(now) {
					delete(c.items, k)
					c.stats.evicted.Add(1)
					if c.evictFn != nil {
						swept = append(swept, evicted{k, e.value})
					}
				}
			}
			c.mu.Unlock()
			for _, ev := range swept {
				c.evictFn(ev.key, ev.value)
			}
		}
	}
}
