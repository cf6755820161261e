// Package cache memoizes AI responses in process memory. It is a latency and
// cost optimization only; nothing depends on a hit for correctness.
package cache

import (
	"container/list"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Defaults for NewResponseCache.
const (
	DefaultCapacity      = 1000
	DefaultTTL           = 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// Config sizes the cache.
type Config struct {
	Capacity      int
	TTL           time.Duration
	SweepInterval time.Duration
}

type entry struct {
	key       string
	value     string
	expiresAt time.Time
}

// ResponseCache is a bounded TTL map. Once full it evicts the oldest
// inserted entry, which approximates LRU well enough for short-lived answers.
type ResponseCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	capacity int
	ttl      time.Duration
	now      func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewResponseCache creates a cache and starts its background sweeper. Call
// Close to stop it.
func NewResponseCache(cfg Config) *ResponseCache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	c := &ResponseCache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.sweepLoop(cfg.SweepInterval)
	return c
}

// GenerateKey derives the cache key for a question. Case and whitespace are
// normalized so trivially different phrasings share an entry, and the context
// version makes every context rebuild start from a cold cache.
func GenerateKey(userID, lastMessage, contextVersion string) string {
	if contextVersion == "" {
		contextVersion = "no-context"
	}
	normalized := strings.Join(strings.Fields(strings.ToLower(lastMessage)), " ")
	sum := md5.Sum([]byte(userID + ":" + normalized + ":" + contextVersion))
	return hex.EncodeToString(sum[:])
}

// Get returns the value for key unless it is missing or expired.
func (c *ResponseCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	e := el.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.remove(el)
		return "", false
	}
	return e.value, true
}

// Set stores value for ttl, or the default TTL when ttl is zero.
func (c *ResponseCache) Set(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(ttl)
	if el, ok := c.entries[key]; ok {
		// Overwriting keeps the original insertion position.
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = expires
		return
	}
	for c.order.Len() >= c.capacity {
		c.remove(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, value: value, expiresAt: expires})
}

// Delete drops key.
func (c *ResponseCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close stops the sweeper. The cache stays usable.
func (c *ResponseCache) Close() {
	c.once.Do(func() {
		close(c.stop)
		<-c.done
	})
}

func (c *ResponseCache) sweepLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep purges expired entries and returns how many it removed.
func (c *ResponseCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*entry).expiresAt) {
			c.remove(el)
			removed++
		}
		el = next
	}
	return removed
}

func (c *ResponseCache) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*entry).key)
}
