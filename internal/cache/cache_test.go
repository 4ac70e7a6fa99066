package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

func TestLRUSetGet(t *testing.T) {
	c := NewLRUCache(10)
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "uk:vat-return", "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got, err := c.Get(ctx, "uk:vat-return", "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("got %q, want v1", got)
	}

	// Miss returns nil, nil
	got, err = c.Get(ctx, "uk:vat-return", "missing")
	if err != nil || got != nil {
		t.Errorf("miss: got %v, %v", got, err)
	}

	// Scope isolation
	got, err = c.Get(ctx, "de:vat-return", "k1")
	if err != nil || got != nil {
		t.Errorf("cross-scope read: got %v, %v", got, err)
	}
}

func TestLRUScopeRequired(t *testing.T) {
	c := NewLRUCache(10)
	defer c.Close()
	ctx := context.Background()

	if _, err := c.Get(ctx, "", "k"); err == nil {
		t.Error("expected error for empty scope on Get")
	}
	if err := c.Set(ctx, "", "k", []byte("v"), time.Minute); err == nil {
		t.Error("expected error for empty scope on Set")
	}
}

func TestLRUExpiry(t *testing.T) {
	c := NewLRUCache(10)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "s", "k", []byte("v"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got, err := c.Get(ctx, "s", "k")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected expired entry to be gone, got %q", got)
	}
}

func TestLRUEviction(t *testing.T) {
	c := NewLRUCache(2)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "s", "a", []byte("1"), time.Minute)
	c.Set(ctx, "s", "b", []byte("2"), time.Minute)
	c.Get(ctx, "s", "a") // touch a so b is oldest
	c.Set(ctx, "s", "c", []byte("3"), time.Minute)

	if got, _ := c.Get(ctx, "s", "b"); got != nil {
		t.Error("expected b to be evicted")
	}
	if got, _ := c.Get(ctx, "s", "a"); got == nil {
		t.Error("expected a to survive")
	}

	size, capacity := c.Stats()
	if size != 2 || capacity != 2 {
		t.Errorf("stats = %d/%d, want 2/2", size, capacity)
	}
}

func TestRulepackRoundTrip(t *testing.T) {
	c := NewLRUCache(10)
	defer c.Close()
	ctx := context.Background()

	pack := &domain.CompiledRulepack{
		ID:           "pack-1",
		Jurisdiction: "UK",
		FilingType:   "vat-return",
		Version:      "1.0.0",
		ContentHash:  "abc123",
		CalcOrder:    []string{"c1"},
	}

	if err := c.SetRulepack(ctx, "uk:vat-return", pack.ContentHash, pack, time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got, err := c.GetRulepack(ctx, "uk:vat-return", pack.ContentHash)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a cached pack")
	}
	if got.ID != "pack-1" || got.Version != "1.0.0" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	got, err = c.GetRulepack(ctx, "uk:vat-return", "other")
	if err != nil || got != nil {
		t.Errorf("miss: got %v, %v", got, err)
	}
}

func TestNewFromConfig(t *testing.T) {
	c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 5})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	defer c.Close()

	if _, err := New(domain.CacheConfig{Type: "bogus"}); err == nil {
		t.Error("expected error for unsupported cache type")
	}
}
