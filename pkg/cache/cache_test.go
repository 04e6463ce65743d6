package cache

import (
	"log/slog"
	"testing"
	"time"
)

func TestLookupMiss(t *testing.T) {
	c := New(true, slog.Default())
	if _, _, ok := c.Lookup(NewKey("example.com.", 1, 1)); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestInsertThenLookup(t *testing.T) {
	c := New(true, slog.Default())
	key := NewKey("Example.COM.", 1, 1)
	c.Insert(key, []byte("resp-v1"), 30*time.Second)

	got, remaining, ok := c.Lookup(NewKey("example.com.", 1, 1))
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != "resp-v1" {
		t.Errorf("got %q, want resp-v1", got)
	}
	if remaining < 1 || remaining > 30 {
		t.Errorf("remaining = %d, want in [1, 30]", remaining)
	}
}

func TestInsertReplacesEarlierEntry(t *testing.T) {
	c := New(true, slog.Default())
	key := NewKey("example.com.", 1, 1)
	c.Insert(key, []byte("v1"), 30*time.Second)
	c.Insert(key, []byte("v2"), 30*time.Second)

	got, _, ok := c.Lookup(key)
	if !ok || string(got) != "v2" {
		t.Errorf("got %q, ok=%v, want v2", got, ok)
	}
}

func TestTTLClampLow(t *testing.T) {
	c := New(true, nil)
	key := NewKey("a.example.", 1, 1)
	c.Insert(key, []byte("x"), 0)

	_, remaining, ok := c.Lookup(key)
	if !ok {
		t.Fatal("expected hit")
	}
	if remaining != 1 {
		t.Errorf("remaining = %d, want 1 (clamped floor)", remaining)
	}
}

func TestTTLClampHigh(t *testing.T) {
	c := New(true, nil)
	key := NewKey("b.example.", 1, 1)
	c.Insert(key, []byte("x"), 7200*time.Second)

	_, remaining, ok := c.Lookup(key)
	if !ok {
		t.Fatal("expected hit")
	}
	if remaining > 3600 {
		t.Errorf("remaining = %d, want <= 3600 (clamped ceiling)", remaining)
	}
}

func TestExpiredEntryNotServed(t *testing.T) {
	c := New(true, nil)
	key := NewKey("c.example.", 1, 1)
	c.Insert(key, []byte("x"), 1*time.Second)

	time.Sleep(1100 * time.Millisecond)
	if _, _, ok := c.Lookup(key); ok {
		t.Fatal("expected miss after expiry")
	}
}

func TestPruneRemovesExpired(t *testing.T) {
	c := New(true, nil)
	c.Insert(NewKey("live.example.", 1, 1), []byte("x"), 30*time.Second)
	c.Insert(NewKey("dead.example.", 1, 1), []byte("x"), 1*time.Second)

	time.Sleep(1100 * time.Millisecond)
	n := c.Prune()
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if c.Size() != 1 {
		t.Errorf("size after prune = %d, want 1", c.Size())
	}
}

func TestDisabledCacheAlwaysMisses(t *testing.T) {
	c := New(false, nil)
	key := NewKey("disabled.example.", 1, 1)
	c.Insert(key, []byte("x"), 30*time.Second)

	if _, _, ok := c.Lookup(key); ok {
		t.Fatal("disabled cache should never hit")
	}
	if c.Size() != 0 {
		t.Errorf("size = %d, want 0 for disabled cache", c.Size())
	}
	if n := c.Prune(); n != 0 {
		t.Errorf("prune on disabled cache = %d, want 0", n)
	}
}

func TestInsertDoesNotAliasCallerSlice(t *testing.T) {
	c := New(true, nil)
	key := NewKey("alias.example.", 1, 1)
	b := []byte("original")
	c.Insert(key, b, 30*time.Second)
	b[0] = 'X'

	got, _, ok := c.Lookup(key)
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != "original" {
		t.Errorf("cache entry mutated by caller's slice: got %q", got)
	}
}
