package cache

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// evictionThreshold is the share of MaxMemory that triggers eviction
	evictionThreshold = 0.9
	// evictionFraction is the share of entries removed per eviction pass
	evictionFraction = 0.2

	unusedAge       = 24 * time.Hour
	unusedMinHits   = 2
	popularMinHits  = 10
	extensionFactor = 1.5

	popularityRetention = 24 * time.Hour
	popularityLookback  = 6 // hours
	preloadMinAccesses  = 2
)

// Evict removes the most evictable 20% of entries when memory usage is above
// 90% of MaxMemory. It returns the number removed.
func (c *Cache) Evict(ctx context.Context) (int, error) {
	stats := c.Stats()
	if !c.overThreshold(stats.MemoryBytes) {
		return 0, nil
	}

	candidates := c.indexSnapshot()
	victims := rankForEviction(candidates, c.config.EvictionPolicy, c.now())
	n := int(math.Ceil(float64(len(victims)) * evictionFraction))
	victims = victims[:n]

	removed := 0
	for _, key := range victims {
		deleted, err := c.Delete(ctx, key)
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
		}
	}
	c.evictions.Add(int64(removed))

	c.logger.WithFields(logrus.Fields{
		"policy":       c.config.EvictionPolicy,
		"memory_bytes": stats.MemoryBytes,
		"max_memory":   c.config.MaxMemory,
		"evicted":      removed,
	}).Info("Cache eviction completed")
	return removed, nil
}

func (c *Cache) overThreshold(memory int64) bool {
	return float64(memory) > float64(c.config.MaxMemory)*evictionThreshold
}

// evictIfNeeded evicts after a write that crossed the threshold. Concurrent
// writers share a single pass.
func (c *Cache) evictIfNeeded(ctx context.Context) {
	c.mu.RLock()
	memory := c.memory
	c.mu.RUnlock()
	if !c.overThreshold(memory) {
		return
	}
	if !c.evicting.CompareAndSwap(false, true) {
		return
	}
	defer c.evicting.Store(false)

	if _, err := c.Evict(ctx); err != nil {
		c.logger.WithError(err).Warn("Cache eviction after write failed")
	}
}

// rankForEviction orders keys from most to least evictable. Ties go to the
// lower priority entry first.
func rankForEviction(entries []indexEntry, policy Policy, now time.Time) []string {
	type scored struct {
		key      string
		score    float64
		priority int
	}

	ranked := make([]scored, len(entries))
	for i, e := range entries {
		var score float64
		switch policy {
		case PolicyLFU:
			score = -float64(e.hitCount)
		case PolicyTTL:
			score = -float64(e.createdAt.Add(e.ttl).Sub(now))
		case PolicyRandom:
			score = rand.Float64()
		default:
			score = float64(now.Sub(e.lastAccess))
		}
		ranked[i] = scored{key: e.key, score: score, priority: e.priority}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].priority < ranked[j].priority
	})

	keys := make([]string, len(ranked))
	for i, r := range ranked {
		keys[i] = r.key
	}
	return keys
}

// Cleanup deletes entries not read for 24h that were hit fewer than twice,
// along with anything already expired
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	now := c.now()
	removed := 0

	for _, e := range c.indexSnapshot() {
		stale := now.Sub(e.lastAccess) > unusedAge && e.hitCount < unusedMinHits
		if !stale && !e.expired(now) {
			continue
		}
		deleted, err := c.Delete(ctx, e.key)
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
		}
	}

	if removed > 0 {
		c.logger.WithField("removed", removed).Info("Cache cleanup completed")
	}
	return removed, nil
}

// ExtendPopular multiplies the TTL of entries hit more than 10 times by 1.5,
// capped at 24h. It returns how many entries were extended.
func (c *Cache) ExtendPopular(ctx context.Context) (int, error) {
	extended := 0
	for _, e := range c.indexSnapshot() {
		if e.hitCount <= popularMinHits || e.ttl >= MaxTTL {
			continue
		}
		ok, err := c.extend(ctx, e.key)
		if err != nil {
			return extended, err
		}
		if ok {
			extended++
		}
	}

	if extended > 0 {
		c.logger.WithField("extended", extended).Info("Extended TTL of popular cache entries")
	}
	return extended, nil
}

func (c *Cache) extend(ctx context.Context, key string) (bool, error) {
	unlock := c.locks.lock(key)
	defer unlock()

	now := c.now()
	entry, err := c.load(ctx, key)
	if err != nil || entry == nil || entry.expired(now) {
		return false, err
	}

	ttl := time.Duration(float64(entry.ttl()) * extensionFactor)
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	entry.TTLSeconds = int64(math.Ceil(ttl.Seconds()))

	data, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	remaining := entry.expiresAt().Sub(now)
	if err := c.store.SetWithTags(ctx, entryKey(key), data, remaining, tagKeys(entry.Metadata.Tags), nil, remaining+tagGrace); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.putIndexLocked(newIndexEntry(entry))
	c.mu.Unlock()
	return true, nil
}

func hourBucket(t time.Time) int64 {
	return t.Unix() / 3600
}

func (c *Cache) recordAccess(key string, now time.Time) {
	c.popMu.Lock()
	defer c.popMu.Unlock()

	buckets, ok := c.popularity[key]
	if !ok {
		buckets = make(map[int64]int)
		c.popularity[key] = buckets
	}
	buckets[hourBucket(now)]++
}

// TrackPopularity drops access buckets older than 24h and returns, sorted, the
// keys read at least twice in the last 6h that are not currently cached
func (c *Cache) TrackPopularity() []string {
	now := c.now()
	current := hourBucket(now)
	oldest := hourBucket(now.Add(-popularityRetention))

	var candidates []string
	c.popMu.Lock()
	for key, buckets := range c.popularity {
		recent := 0
		for bucket, count := range buckets {
			if bucket < oldest {
				delete(buckets, bucket)
				continue
			}
			if bucket > current-popularityLookback {
				recent += count
			}
		}
		if len(buckets) == 0 {
			delete(c.popularity, key)
			continue
		}
		if recent >= preloadMinAccesses {
			candidates = append(candidates, key)
		}
	}
	c.popMu.Unlock()

	c.mu.RLock()
	var absent []string
	for _, key := range candidates {
		if e, ok := c.index[key]; ok && !e.expired(now) {
			continue
		}
		absent = append(absent, key)
	}
	c.mu.RUnlock()

	sort.Strings(absent)
	return absent
}

// Warm rebuilds the in-process index from entries already in the store, so
// eviction and maintenance see them after a restart
func (c *Cache) Warm(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx, entryPrefix)
	if err != nil {
		return 0, err
	}

	now := c.now()
	loaded := 0
	for _, storeKey := range keys {
		key := strings.TrimPrefix(storeKey, entryPrefix)
		entry, err := c.load(ctx, key)
		if err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Skipping unreadable cache entry")
			continue
		}
		if entry == nil || entry.expired(now) {
			continue
		}

		c.mu.Lock()
		c.putIndexLocked(newIndexEntry(entry))
		c.mu.Unlock()
		loaded++
	}

	c.logger.WithField("entries", loaded).Info("Cache index warmed")
	return loaded, nil
}

func (c *Cache) indexSnapshot() []indexEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]indexEntry, 0, len(c.index))
	for _, ie := range c.index {
		out = append(out, *ie)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}
