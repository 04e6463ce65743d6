// Package cache implements the TTL-indexed response cache.
package cache

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	minTTL     = 1 * time.Second
	maxTTL     = 3600 * time.Second
	defaultTTL = 60 * time.Second
)

// Key is the question fingerprint: lowercased QNAME, QTYPE, QCLASS.
type Key struct {
	Name  string
	Qtype uint16
	Class uint16
}

// NewKey builds a Key, lowercasing the name so differently-cased queries
// for the same name share a cache entry.
func NewKey(name string, qtype, class uint16) Key {
	return Key{Name: strings.ToLower(name), Qtype: qtype, Class: class}
}

func (k Key) String() string {
	return k.Name + "/" + strconv.Itoa(int(k.Qtype)) + "/" + strconv.Itoa(int(k.Class))
}

type entry struct {
	bytes     []byte
	expiresAt time.Time
}

// Cache is a single mapping Q -> entry, guarded by one mutex; contention
// is expected to be low given O(1) critical sections.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]entry
	enabled bool
	log     *slog.Logger
}

// New creates a Cache. When enabled is false, Lookup always misses and
// Insert is a no-op, but Prune and Size keep operating.
func New(enabled bool, log *slog.Logger) *Cache {
	return &Cache{
		entries: make(map[Key]entry),
		enabled: enabled,
		log:     log,
	}
}

// Lookup returns a copy of the cached bytes and the remaining TTL in whole
// seconds (always > 0) for Q, or ok=false on a miss or expiry.
func (c *Cache) Lookup(key Key) (b []byte, remainingTTL int, ok bool) {
	if !c.enabled {
		return nil, 0, false
	}

	c.mu.RLock()
	e, found := c.entries[key]
	c.mu.RUnlock()
	if !found {
		return nil, 0, false
	}

	remaining := time.Until(e.expiresAt)
	if remaining <= 0 {
		return nil, 0, false
	}

	out := make([]byte, len(e.bytes))
	copy(out, e.bytes)
	return out, ceilSeconds(remaining), true
}

// Insert clamps ttl into [1s, 3600s] and stores a copy of b under key,
// replacing any prior entry.
func (c *Cache) Insert(key Key, b []byte, ttl time.Duration) {
	if !c.enabled {
		return
	}

	ttl = clampTTL(ttl)
	stored := make([]byte, len(b))
	copy(stored, b)

	c.mu.Lock()
	c.entries[key] = entry{bytes: stored, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Prune removes every entry whose expiry has passed and returns the count
// removed.
func (c *Cache) Prune() int {
	now := time.Now()
	removed := 0

	c.mu.Lock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) || now.Equal(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 && c.log != nil {
		c.log.Debug("pruned expired cache entries", "count", removed)
	}
	return removed
}

// Size reports the current number of cached entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ClampTTL exposes the [1s, 3600s] clamping rule for callers (the
// resolver) that need to compute a TTL before insertion, e.g. for logging.
func ClampTTL(ttl time.Duration) time.Duration {
	return clampTTL(ttl)
}

// DefaultTTL is used when an upstream response carries no answer records.
func DefaultTTL() time.Duration {
	return defaultTTL
}

// ceilSeconds rounds a positive duration up to the nearest whole second,
// never returning less than 1.
func ceilSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < minTTL {
		return minTTL
	}
	if ttl > maxTTL {
		return maxTTL
	}
	return ttl
}
