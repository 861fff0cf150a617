package decision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/veloraco/chaperone/internal/judge"
)

// Cache memoizes judge verdicts per (kind, fingerprint) with a TTL. Failed
// computations are never stored; concurrent identical computations are
// collapsed into one judge call.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group
	now     func() time.Time
}

type cacheEntry struct {
	judgment *judge.Judgment
	storedAt time.Time
	ttl      time.Duration
}

func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Fingerprint returns a stable hash of message content and its conversation
// context. Identical content in identical context always hashes the same.
// Pass an empty conversation for a content-only fingerprint.
func Fingerprint(content, conversation string) string {
	sum := sha256.Sum256([]byte(content + "|" + conversation))
	return hex.EncodeToString(sum[:])
}

func cacheKey(kind judge.Kind, fingerprint string) string {
	return string(kind) + ":" + fingerprint
}

// Get returns the cached judgment if present and not expired. Expired
// entries are removed on access, never served.
func (c *Cache) Get(kind judge.Kind, fingerprint string) (*judge.Judgment, bool) {
	key := cacheKey(kind, fingerprint)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) >= entry.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.judgment, true
}

// Put stores a judgment under (kind, fingerprint) for ttl.
func (c *Cache) Put(kind judge.Kind, fingerprint string, j *judge.Judgment, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[cacheKey(kind, fingerprint)] = cacheEntry{judgment: j, storedAt: c.now(), ttl: ttl}
	c.mu.Unlock()
}

// Do returns the cached judgment for (kind, fingerprint) or computes and
// stores it. The bool reports a cache hit.
func (c *Cache) Do(ctx context.Context, kind judge.Kind, fingerprint string, ttl time.Duration,
	compute func(context.Context) (*judge.Judgment, error)) (*judge.Judgment, bool, error) {

	if j, ok := c.Get(kind, fingerprint); ok {
		return j, true, nil
	}

	key := cacheKey(kind, fingerprint)
	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent caller may have filled the entry while we waited.
		if j, ok := c.Get(kind, fingerprint); ok {
			return j, nil
		}
		j, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(kind, fingerprint, j, ttl)
		return j, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*judge.Judgment), false, nil
}

// Len reports the number of live entries, pruning expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) >= entry.ttl {
			delete(c.entries, key)
		}
	}
	return len(c.entries)
}
