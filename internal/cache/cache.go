package cache

import (
	"context"
	"log/slog"
	"time"
)

// Options aggregates the knobs needed to construct a Cache: the main
// tier's Config plus the hot tier's size and the optional L2 backend.
type Options struct {
	Main Config

	// HotCapacity overrides the hot tier's fixed capacity. Zero derives it
	// as ~10% of Main.MaxEntries.
	HotCapacity int

	Backend Backend

	Logger *slog.Logger
}

// Cache is Heimdall's two-tier cache plus its auxiliary domain trie and
// optional L2 backend, implementing spec.md section 4.4's get/put/
// invalidate/flush operations.
type Cache struct {
	hot  *hotTier
	main *ShardedCache
	trie *Trie

	backend Backend
	logger  *slog.Logger
}

// New constructs a Cache.
func New(opts Options) *Cache {
	hotCap := opts.HotCapacity
	if hotCap == 0 {
		maxEntries := opts.Main.MaxEntries
		if maxEntries == 0 {
			maxEntries = defaultShardSize * defaultShardCount
		}
		hotCap = maxEntries / defaultHotFraction
		if hotCap == 0 {
			hotCap = 1
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		hot:     newHotTier(hotCap),
		main:    NewShardedCache(opts.Main),
		trie:    NewTrie(),
		backend: opts.Backend,
		logger:  logger,
	}
}

// Get looks up key, checking the hot tier before the main tier. A hit
// that crosses the promotion threshold is copied into the hot tier. L2 is
// not consulted synchronously here — GetWithL2 does that.
func (c *Cache) Get(key Key) (*Entry, bool) {
	hash := key.Hash()

	if e, ok := c.hot.get(hash); ok && !e.IsExpired() {
		e.Hits.Add(1)
		return e, true
	}

	e, ok := c.main.Get(hash)
	if !ok {
		return nil, false
	}
	if e.AccessCount.Load() >= promotionThreshold {
		c.hot.put(hash, e)
	}
	return e, true
}

// GetWithL2 behaves like Get, but on an L1 miss with a configured L2
// backend, performs an async lookup that — if it hits — populates L1
// for subsequent callers. The current call still returns a miss; L2 is
// a warm-up for the NEXT lookup, per spec.md section 4.4 ("an async L2
// lookup populates L1").
func (c *Cache) GetWithL2(ctx context.Context, key Key) (*Entry, bool) {
	if e, ok := c.Get(key); ok {
		return e, true
	}
	if c.backend == nil {
		return nil, false
	}

	go func() {
		data, found, err := c.backend.Get(ctx, key.Name)
		if err != nil {
			c.logger.Warn("l2 cache get failed", "key", key.Name, "error", err)
			return
		}
		if !found {
			return
		}
		c.main.Set(key.Hash(), &Entry{
			Data:      data,
			ExpiresAt: time.Now().Add(time.Minute),
			QName:     key.Name,
			QType:     key.Type,
			QClass:    key.Class,
		})
	}()
	return nil, false
}

// Put inserts entry at key into the main tier and the domain trie, and —
// if an L2 backend is attached — asynchronously into L2. L1 writes are
// synchronous; L2 failures are logged and never propagate.
func (c *Cache) Put(key Key, entry *Entry) {
	hash := key.Hash()
	c.main.Set(hash, entry)
	c.trie.Insert(key.Name, hash)

	if c.backend == nil {
		return
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return
	}
	data := entry.Data
	name := key.Name
	go func() {
		if err := c.backend.Set(context.Background(), name, data, ttl); err != nil {
			c.logger.Warn("l2 cache set failed", "key", name, "error", err)
		}
	}()
}

// Invalidate removes key from every tier and the trie.
func (c *Cache) Invalidate(key Key) {
	hash := key.Hash()
	c.hot.delete(hash)
	c.main.Delete(hash)
	c.trie.Remove(key.Name, hash)

	if c.backend == nil {
		return
	}
	go func() {
		if err := c.backend.Del(context.Background(), key.Name); err != nil {
			c.logger.Warn("l2 cache del failed", "key", key.Name, "error", err)
		}
	}()
}

// Flush clears every tier. The trie is rebuilt empty as well.
func (c *Cache) Flush() {
	c.hot.flush()
	c.main.Flush()
	c.trie = NewTrie()
}

// LookupZone returns main-tier hashes whose cached name falls under zone
// — a convenience for blocking/authoritative collaborators that need to
// invalidate or inspect a whole subtree.
func (c *Cache) LookupZone(zone string) []uint64 {
	return c.trie.LookupSuffix(zone)
}

// CombinedStats reports the main tier's statistics plus the hot tier's
// current size.
type CombinedStats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	MainSize    int
	HotSize     int
	HitRate     float64
}

// GetStats returns a combined snapshot across both tiers.
func (c *Cache) GetStats() CombinedStats {
	s := c.main.GetStats()
	return CombinedStats{
		Hits:        s.Hits,
		Misses:      s.Misses,
		Evictions:   s.Evictions,
		Expirations: s.Expirations,
		MainSize:    s.Size,
		HotSize:     c.hot.size(),
		HitRate:     s.HitRate,
	}
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	c.main.Close()
}
