// Package ratelimit provides per-provider token-bucket admission control.
package ratelimit

import (
	"sync"
	"time"
)

// Config sets a provider bucket's burst capacity and steady-state rate.
type Config struct {
	// Capacity is the burst size: calls admitted without waiting for refill.
	Capacity int `yaml:"capacity"`
	// RefillPerSecond is the steady-state admission rate.
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// DefaultConfig applies to providers with no explicit limit.
func DefaultConfig() Config {
	return Config{
		Capacity:        60,
		RefillPerSecond: 1.0,
	}
}

// Bucket implements token bucket admission. Tokens refill lazily from
// elapsed time on each admission attempt, so idle buckets need no
// background task.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	nowFunc func() time.Time
}

// NewBucket creates a full bucket.
func NewBucket(config Config) *Bucket {
	if config.RefillPerSecond <= 0 {
		config.RefillPerSecond = DefaultConfig().RefillPerSecond
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultConfig().Capacity
	}

	return &Bucket{
		tokens:     float64(config.Capacity),
		capacity:   float64(config.Capacity),
		refillRate: config.RefillPerSecond,
		lastRefill: time.Now(),
		nowFunc:    time.Now,
	}
}

// Admit consumes one token if available. When the bucket is empty nothing is
// consumed and the returned duration is the wait until one token
// regenerates. Refill, check, and decrement happen under a single lock so
// admission is atomic across concurrent callers.
func (b *Bucket) Admit() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	needed := 1 - b.tokens
	return false, time.Duration(needed / b.refillRate * float64(time.Second))
}

// refill adds tokens for the elapsed interval, clamped to capacity. Must be
// called with the lock held.
func (b *Bucket) refill() {
	now := b.nowFunc()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Tokens returns the available token count after refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Registry manages one bucket per provider.
type Registry struct {
	mu       sync.RWMutex
	buckets  map[string]*Bucket
	configs  map[string]Config
	defaults Config
}

// NewRegistry creates a registry with per-provider overrides on top of the
// given defaults.
func NewRegistry(defaults Config, perProvider map[string]Config) *Registry {
	if defaults.Capacity <= 0 && defaults.RefillPerSecond <= 0 {
		defaults = DefaultConfig()
	}
	return &Registry{
		buckets:  make(map[string]*Bucket),
		configs:  perProvider,
		defaults: defaults,
	}
}

// Admit consumes a token from the provider's bucket, creating the bucket on
// first use.
func (r *Registry) Admit(provider string) (bool, time.Duration) {
	return r.bucket(provider).Admit()
}

// bucket returns or creates the provider's bucket.
func (r *Registry) bucket(provider string) *Bucket {
	r.mu.RLock()
	b, exists := r.buckets[provider]
	r.mu.RUnlock()

	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = r.buckets[provider]; exists {
		return b
	}

	config := r.defaults
	if c, ok := r.configs[provider]; ok {
		config = c
	}
	b = NewBucket(config)
	r.buckets[provider] = b
	return b
}

// Reset discards the provider's bucket; the next admission starts full.
func (r *Registry) Reset(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buckets, provider)
}

// Status describes one provider's bucket for reporting.
type Status struct {
	Provider string  `json:"provider"`
	Tokens   float64 `json:"tokens"`
	Capacity float64 `json:"capacity"`
}

// StatusAll snapshots every bucket created so far.
func (r *Registry) StatusAll() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.buckets))
	for provider, b := range r.buckets {
		out = append(out, Status{
			Provider: provider,
			Tokens:   b.Tokens(),
			Capacity: b.capacity,
		})
	}
	return out
}
