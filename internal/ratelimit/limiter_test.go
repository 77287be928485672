package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestBucket_Admit(t *testing.T) {
	bucket := NewBucket(Config{Capacity: 5, RefillPerSecond: 10})

	// Should admit burst capacity requests
	for i := 0; i < 5; i++ {
		if ok, _ := bucket.Admit(); !ok {
			t.Errorf("request %d should be admitted", i)
		}
	}

	// Next request should be refused with a positive wait
	ok, wait := bucket.Admit()
	if ok {
		t.Error("request after burst should be refused")
	}
	if wait <= 0 {
		t.Errorf("refused admission should carry a wait, got %v", wait)
	}
}

func TestBucket_WaitMatchesRefillRate(t *testing.T) {
	bucket := NewBucket(Config{Capacity: 1, RefillPerSecond: 2})
	bucket.nowFunc = func() time.Time { return time.Unix(100, 0) }
	bucket.lastRefill = time.Unix(100, 0)

	if ok, _ := bucket.Admit(); !ok {
		t.Fatal("first request should be admitted")
	}

	// Empty bucket at rate 2/s: one token regenerates in 500ms
	ok, wait := bucket.Admit()
	if ok {
		t.Fatal("second request should be refused")
	}
	if wait != 500*time.Millisecond {
		t.Errorf("wait = %v, want 500ms", wait)
	}
}

func TestBucket_Refill(t *testing.T) {
	now := time.Unix(100, 0)
	bucket := NewBucket(Config{Capacity: 2, RefillPerSecond: 4})
	bucket.nowFunc = func() time.Time { return now }
	bucket.lastRefill = now

	bucket.Admit()
	bucket.Admit()
	if ok, _ := bucket.Admit(); ok {
		t.Error("should be refused after exhausting tokens")
	}

	// Advance half a second: 2 tokens regenerate
	now = now.Add(500 * time.Millisecond)

	if ok, _ := bucket.Admit(); !ok {
		t.Error("should be admitted after refill")
	}
	if ok, _ := bucket.Admit(); !ok {
		t.Error("second refilled token should be admitted")
	}
	if ok, _ := bucket.Admit(); ok {
		t.Error("refill should not exceed elapsed time x rate")
	}
}

func TestBucket_RefillClampsToCapacity(t *testing.T) {
	now := time.Unix(100, 0)
	bucket := NewBucket(Config{Capacity: 3, RefillPerSecond: 100})
	bucket.nowFunc = func() time.Time { return now }
	bucket.lastRefill = now

	// Long idle period must not overfill past capacity
	now = now.Add(time.Hour)

	if got := bucket.Tokens(); got != 3 {
		t.Errorf("tokens after idle = %f, want capacity 3", got)
	}
}

// Admitted calls in any window must not exceed capacity + rate x elapsed.
func TestBucket_AdmissionBound(t *testing.T) {
	now := time.Unix(100, 0)
	bucket := NewBucket(Config{Capacity: 10, RefillPerSecond: 5})
	bucket.nowFunc = func() time.Time { return now }

	admitted := 0
	for step := 0; step < 40; step++ {
		for i := 0; i < 3; i++ {
			if ok, _ := bucket.Admit(); ok {
				admitted++
			}
		}
		now = now.Add(100 * time.Millisecond)
	}

	// 4 seconds elapsed: bound is 10 + 5*4 = 30 (+1 for the final refill step)
	if admitted > 31 {
		t.Errorf("admitted %d calls, bound is 31", admitted)
	}
}

func TestBucket_ConcurrentAdmission(t *testing.T) {
	bucket := NewBucket(Config{Capacity: 50, RefillPerSecond: 0.001})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := bucket.Admit(); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 50 {
		t.Errorf("admitted %d of 100 concurrent calls, want exactly 50", admitted)
	}
}

func TestRegistry_PerProviderIsolation(t *testing.T) {
	reg := NewRegistry(Config{Capacity: 3, RefillPerSecond: 0.001}, nil)

	for i := 0; i < 3; i++ {
		if ok, _ := reg.Admit("openai"); !ok {
			t.Errorf("openai request %d should be admitted", i)
		}
	}

	if ok, _ := reg.Admit("openai"); ok {
		t.Error("openai should be rate limited")
	}

	// A different provider has its own bucket
	if ok, _ := reg.Admit("anthropic"); !ok {
		t.Error("anthropic should be admitted")
	}
}

func TestRegistry_PerProviderOverride(t *testing.T) {
	reg := NewRegistry(
		Config{Capacity: 100, RefillPerSecond: 10},
		map[string]Config{"gemini": {Capacity: 1, RefillPerSecond: 0.001}},
	)

	if ok, _ := reg.Admit("gemini"); !ok {
		t.Error("first gemini request should be admitted")
	}
	if ok, _ := reg.Admit("gemini"); ok {
		t.Error("gemini override capacity is 1")
	}
}

func TestRegistry_Reset(t *testing.T) {
	reg := NewRegistry(Config{Capacity: 1, RefillPerSecond: 0.001}, nil)

	reg.Admit("openai")
	if ok, _ := reg.Admit("openai"); ok {
		t.Error("should be rate limited")
	}

	reg.Reset("openai")

	if ok, _ := reg.Admit("openai"); !ok {
		t.Error("should be admitted after reset")
	}
}

func TestRegistry_StatusAll(t *testing.T) {
	reg := NewRegistry(Config{Capacity: 5, RefillPerSecond: 10}, nil)
	reg.Admit("openai")
	reg.Admit("anthropic")

	statuses := reg.StatusAll()
	if len(statuses) != 2 {
		t.Fatalf("status count = %d, want 2", len(statuses))
	}
	for _, s := range statuses {
		if s.Capacity != 5 {
			t.Errorf("%s capacity = %f, want 5", s.Provider, s.Capacity)
		}
		if s.Tokens > 5 || s.Tokens < 3 {
			t.Errorf("%s tokens = %f, want about 4", s.Provider, s.Tokens)
		}
	}
}

func TestNewBucket_ZeroConfigUsesDefaults(t *testing.T) {
	bucket := NewBucket(Config{})

	if ok, _ := bucket.Admit(); !ok {
		t.Error("zero-config bucket should admit with defaults applied")
	}
	if bucket.Tokens() <= 0 {
		t.Errorf("expected positive default tokens, got %f", bucket.Tokens())
	}
}
