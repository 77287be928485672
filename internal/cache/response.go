package cache

import (
	"sync"
	"time"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

// Config configures the response cache.
type Config struct {
	// Enabled gates the whole cache. When false, Get always misses and Set
	// is a no-op.
	Enabled bool `yaml:"enabled"`
	// TTL is how long an entry stays valid after insertion.
	TTL time.Duration `yaml:"ttl"`
	// MaxSize bounds the entry count; the least recently accessed entry is
	// evicted at capacity.
	MaxSize int `yaml:"max_size"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		TTL:     5 * time.Minute,
		MaxSize: 1000,
	}
}

type entry struct {
	response       models.Completion
	model          string
	insertedAt     time.Time
	lastAccessedAt time.Time
}

// Stats counts cache activity since construction.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// ResponseCache maps request fingerprints to completed responses with TTL
// expiry and LRU eviction.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	maxSize int
	enabled bool

	hits      int64
	misses    int64
	evictions int64

	nowFunc func() time.Time
}

// New creates a response cache.
func New(config Config) *ResponseCache {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultConfig().MaxSize
	}
	return &ResponseCache{
		entries: make(map[string]*entry),
		ttl:     config.TTL,
		maxSize: config.MaxSize,
		enabled: config.Enabled,
		nowFunc: time.Now,
	}
}

// Get returns the cached response for the fingerprint and refreshes its
// access time. Expired entries are removed lazily here.
func (c *ResponseCache) Get(fingerprint string) (models.Completion, bool) {
	if !c.enabled {
		return models.Completion{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok {
		c.misses++
		return models.Completion{}, false
	}

	now := c.nowFunc()
	if now.Sub(e.insertedAt) > c.ttl {
		delete(c.entries, fingerprint)
		c.misses++
		return models.Completion{}, false
	}

	e.lastAccessedAt = now
	c.hits++
	return e.response, true
}

// Set stores a response under the fingerprint. At capacity the entry with
// the smallest lastAccessedAt is evicted first.
func (c *ResponseCache) Set(fingerprint string, response models.Completion, model string) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	if _, exists := c.entries[fingerprint]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[fingerprint] = &entry{
		response:       response,
		model:          model,
		insertedAt:     now,
		lastAccessedAt: now,
	}
}

// evictOldest removes the least recently accessed entry. Must be called
// with the lock held.
func (c *ResponseCache) evictOldest() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if first || e.lastAccessedAt.Before(oldestAt) {
			first = false
			oldestKey = k
			oldestAt = e.lastAccessedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// Sweep removes all TTL-expired entries and returns how many were dropped.
// Run periodically by the scheduler.
func (c *ResponseCache) Sweep() int {
	if !c.enabled {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.insertedAt) > c.ttl {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the current entry count.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Stats snapshots hit/miss/eviction counters.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
