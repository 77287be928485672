package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

func testCache(config Config) (*ResponseCache, *time.Time) {
	now := time.Unix(1000, 0)
	c := New(config)
	c.nowFunc = func() time.Time { return now }
	return c, &now
}

func completion(content string) models.Completion {
	return models.Completion{
		Content: content,
		Usage:   models.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		Model:   "gpt-4o",
	}
}

func TestResponseCache_GetSet(t *testing.T) {
	c, _ := testCache(Config{Enabled: true, TTL: time.Minute, MaxSize: 10})

	if _, ok := c.Get("fp1"); ok {
		t.Error("empty cache should miss")
	}

	c.Set("fp1", completion("hello"), "gpt-4o")

	got, ok := c.Get("fp1")
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if got.Content != "hello" {
		t.Errorf("content = %q, want hello", got.Content)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit 1 miss", stats)
	}
}

func TestResponseCache_TTLExpiry(t *testing.T) {
	c, now := testCache(Config{Enabled: true, TTL: time.Minute, MaxSize: 10})

	c.Set("fp1", completion("hello"), "gpt-4o")

	*now = now.Add(59 * time.Second)
	if _, ok := c.Get("fp1"); !ok {
		t.Error("entry within TTL should hit")
	}

	*now = now.Add(2 * time.Second)
	if _, ok := c.Get("fp1"); ok {
		t.Error("expired entry should miss")
	}
	if c.Len() != 0 {
		t.Error("expired entry should be removed on read")
	}
}

func TestResponseCache_AccessDoesNotExtendTTL(t *testing.T) {
	c, now := testCache(Config{Enabled: true, TTL: time.Minute, MaxSize: 10})

	c.Set("fp1", completion("hello"), "gpt-4o")

	// Repeated access refreshes lastAccessedAt but expiry follows insertedAt.
	for i := 0; i < 5; i++ {
		*now = now.Add(20 * time.Second)
		c.Get("fp1")
	}

	if _, ok := c.Get("fp1"); ok {
		t.Error("entry should expire by insertion time regardless of access")
	}
}

func TestResponseCache_LRUEviction(t *testing.T) {
	c, now := testCache(Config{Enabled: true, TTL: time.Hour, MaxSize: 3})

	c.Set("a", completion("a"), "m")
	*now = now.Add(time.Second)
	c.Set("b", completion("b"), "m")
	*now = now.Add(time.Second)
	c.Set("c", completion("c"), "m")

	// Touch "a" so "b" becomes least recently accessed.
	*now = now.Add(time.Second)
	c.Get("a")

	*now = now.Add(time.Second)
	c.Set("d", completion("d"), "m")

	if _, ok := c.Get("b"); ok {
		t.Error("least recently accessed entry should have been evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("entry %q should survive eviction", key)
		}
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("evictions = %d, want 1", c.Stats().Evictions)
	}
}

func TestResponseCache_OverwriteDoesNotEvict(t *testing.T) {
	c, _ := testCache(Config{Enabled: true, TTL: time.Hour, MaxSize: 2})

	c.Set("a", completion("a1"), "m")
	c.Set("b", completion("b"), "m")
	c.Set("a", completion("a2"), "m")

	if c.Stats().Evictions != 0 {
		t.Error("overwriting an existing key must not evict")
	}
	got, _ := c.Get("a")
	if got.Content != "a2" {
		t.Errorf("content = %q, want a2", got.Content)
	}
}

func TestResponseCache_Disabled(t *testing.T) {
	c, _ := testCache(Config{Enabled: false, TTL: time.Minute, MaxSize: 10})

	c.Set("fp1", completion("hello"), "gpt-4o")

	if _, ok := c.Get("fp1"); ok {
		t.Error("disabled cache must always miss")
	}
	if c.Len() != 0 {
		t.Error("disabled cache must not store entries")
	}
}

func TestResponseCache_Sweep(t *testing.T) {
	c, now := testCache(Config{Enabled: true, TTL: time.Minute, MaxSize: 100})

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("old-%d", i), completion("x"), "m")
	}
	*now = now.Add(2 * time.Minute)
	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("new-%d", i), completion("y"), "m")
	}

	removed := c.Sweep()
	if removed != 5 {
		t.Errorf("sweep removed %d, want 5", removed)
	}
	if c.Len() != 3 {
		t.Errorf("size after sweep = %d, want 3", c.Len())
	}
}

func TestResponseCache_RoundTripWithFingerprint(t *testing.T) {
	c, _ := testCache(Config{Enabled: true, TTL: time.Minute, MaxSize: 10})

	messages := []models.ChatTurn{models.UserTurn("hi")}
	params := models.AgentParameters{Temperature: 0.7, TopP: 1, MaxTokens: 128}

	fp := Fingerprint("gpt-4o", messages, params)
	c.Set(fp, completion("cached answer"), "gpt-4o")

	// An identical request rebuilt from scratch finds the entry.
	again := Fingerprint("gpt-4o", []models.ChatTurn{models.UserTurn("hi")}, params)
	got, ok := c.Get(again)
	if !ok || got.Content != "cached answer" {
		t.Errorf("round trip failed: ok=%v content=%q", ok, got.Content)
	}

	// A different temperature is a different request.
	p2 := params
	p2.Temperature = 0.9
	if _, ok := c.Get(Fingerprint("gpt-4o", messages, p2)); ok {
		t.Error("different sampling parameters must not share entries")
	}
}
