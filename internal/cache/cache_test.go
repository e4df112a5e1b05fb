package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-router-resilience/internal/store"
)

type cachedResponse struct {
	Content  string `json:"content"`
	Provider string `json:"provider"`
	Tokens   int    `json:"tokens"`
}

// flakyStore fails tagged writes while failWrites is set
type flakyStore struct {
	store.Store
	failWrites bool
}

func (f *flakyStore) SetWithTags(ctx context.Context, key string, value []byte, ttl time.Duration, tagKeys, staleTagKeys []string, tagTTL time.Duration) error {
	if f.failWrites {
		return errors.New("connection reset by peer")
	}
	return f.Store.SetWithTags(ctx, key, value, ttl, tagKeys, staleTagKeys, tagTTL)
}

func createTestCache(t *testing.T, s store.Store, config Config) (*Cache, *time.Time) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New(s, config, logger)
	c.now = func() time.Time { return now }
	return c, &now
}

func readEntry(t *testing.T, s store.Store, key string) Entry {
	t.Helper()
	data, err := s.Get(context.Background(), entryKey(key))
	require.NoError(t, err)
	var e Entry
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func TestCache_RoundTripAndExpiry(t *testing.T) {
	c, now := createTestCache(t, store.NewMemoryStore(), DefaultConfig())
	ctx := context.Background()

	in := cachedResponse{Content: "func main() {}", Provider: "openai", Tokens: 12}
	require.NoError(t, c.Set(ctx, "k", in, SetOptions{TTL: time.Second}))

	var out cachedResponse
	hit, err := c.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, in, out)

	*now = now.Add(time.Second + time.Millisecond)

	hit, err = c.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	// the expired entry was removed, so a second read is still a clean miss
	hit, err = c.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, 0, stats.Entries)
}

func TestCache_HitUpdatesCounters(t *testing.T) {
	s := store.NewMemoryStore()
	c, now := createTestCache(t, s, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", SetOptions{}))
	created := *now

	*now = now.Add(time.Minute)
	for i := 0; i < 3; i++ {
		hit, err := c.Get(ctx, "k", nil)
		require.NoError(t, err)
		require.True(t, hit)
	}

	e := readEntry(t, s, "k")
	assert.Equal(t, int64(3), e.HitCount)
	assert.True(t, e.LastAccess.Equal(created.Add(time.Minute)))
	assert.True(t, e.CreatedAt.Equal(created))
	assert.Equal(t, int64(3600), e.TTLSeconds)
	assert.Equal(t, DefaultPriority, e.Metadata.Priority)
}

func TestCache_ConcurrentHitsAreNotLost(t *testing.T) {
	s := store.NewMemoryStore()
	c, _ := createTestCache(t, s, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", "v", SetOptions{}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Get(ctx, "k", nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20), readEntry(t, s, "k").HitCount)
}

func TestCache_Compression(t *testing.T) {
	s := store.NewMemoryStore()
	c, _ := createTestCache(t, s, DefaultConfig())
	ctx := context.Background()

	large := strings.Repeat("all work and no play makes jack a dull boy. ", 100)

	tests := []struct {
		name       string
		value      string
		opts       SetOptions
		compressed bool
	}{
		{"small value stays raw", "short", SetOptions{}, false},
		{"large value is compressed", large, SetOptions{}, true},
		{"compression disabled per call", large, SetOptions{DisableCompression: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := strings.ReplaceAll(tt.name, " ", "-")
			require.NoError(t, c.Set(ctx, key, tt.value, tt.opts))

			e := readEntry(t, s, key)
			assert.Equal(t, tt.compressed, e.Metadata.Compressed)
			if tt.compressed {
				assert.Empty(t, e.Value)
				assert.NotEmpty(t, e.Data)
				assert.Less(t, e.SizeBytes, int64(len(tt.value)))
			}

			var out string
			hit, err := c.Get(ctx, key, &out)
			require.NoError(t, err)
			assert.True(t, hit)
			assert.Equal(t, tt.value, out)
		})
	}
}

func TestCache_Tags(t *testing.T) {
	s := store.NewMemoryStore()
	c, _ := createTestCache(t, s, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1, SetOptions{Tags: []string{"code", "openai"}}))
	require.NoError(t, c.Set(ctx, "b", 2, SetOptions{Tags: []string{"code"}}))
	require.NoError(t, c.Set(ctx, "c", 3, SetOptions{Tags: []string{"openai"}}))

	members, err := s.MembersOf(ctx, tagKey("openai"))
	require.NoError(t, err)
	assert.Equal(t, []string{entryKey("a"), entryKey("c")}, members)

	removed, err := c.ClearByTag(ctx, "code")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, key := range []string{"a", "b"} {
		hit, err := c.Get(ctx, key, nil)
		require.NoError(t, err)
		assert.False(t, hit, key)
	}
	hit, err := c.Get(ctx, "c", nil)
	require.NoError(t, err)
	assert.True(t, hit)

	// deleting a removed its membership from every tag, not just "code"
	members, err = s.MembersOf(ctx, tagKey("openai"))
	require.NoError(t, err)
	assert.Equal(t, []string{entryKey("c")}, members)

	removed, err = c.ClearByTag(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestCache_OverwriteDropsStaleTags(t *testing.T) {
	s := store.NewMemoryStore()
	c, _ := createTestCache(t, s, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", 1, SetOptions{Tags: []string{"old"}}))
	require.NoError(t, c.Set(ctx, "k", 2, SetOptions{Tags: []string{"new"}}))

	members, err := s.MembersOf(ctx, tagKey("old"))
	require.NoError(t, err)
	assert.Empty(t, members)

	removed, err := c.ClearByTag(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestCache_FailedOverwriteKeepsTagIndex(t *testing.T) {
	s := &flakyStore{Store: store.NewMemoryStore()}
	c, _ := createTestCache(t, s, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v1", SetOptions{Tags: []string{"old"}}))

	s.failWrites = true
	assert.Error(t, c.Set(ctx, "k", "v2", SetOptions{Tags: []string{"new"}}))
	s.failWrites = false

	var value string
	hit, err := c.Get(ctx, "k", &value)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "v1", value)

	members, err := s.MembersOf(ctx, tagKey("old"))
	require.NoError(t, err)
	assert.Equal(t, []string{entryKey("k")}, members)

	removed, err := c.ClearByTag(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	hit, err = c.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCache_Delete(t *testing.T) {
	c, _ := createTestCache(t, store.NewMemoryStore(), DefaultConfig())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", SetOptions{Priority: 9}))
	deleted, err := c.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, int64(1), c.Stats().Deletes)
}

func fillCache(t *testing.T, c *Cache, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, c.Set(context.Background(), fmt.Sprintf("k%d", i), i, SetOptions{TTL: time.Hour}))
	}
}

func TestCache_EvictionPolicies(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		policy  Policy
		prepare func(c *Cache, now *time.Time)
		evicted []string
	}{
		{
			name:   "lru",
			policy: PolicyLRU,
			prepare: func(c *Cache, now *time.Time) {
				*now = now.Add(time.Minute)
				for i := 2; i < 10; i++ {
					_, _ = c.Get(ctx, fmt.Sprintf("k%d", i), nil)
				}
			},
			evicted: []string{"k0", "k1"},
		},
		{
			name:   "lfu",
			policy: PolicyLFU,
			prepare: func(c *Cache, now *time.Time) {
				for i := 0; i < 10; i++ {
					for j := 0; j < i; j++ {
						_, _ = c.Get(ctx, fmt.Sprintf("k%d", i), nil)
					}
				}
			},
			evicted: []string{"k0", "k1"},
		},
		{
			name:   "ttl",
			policy: PolicyTTL,
			prepare: func(c *Cache, now *time.Time) {
				require.NoError(t, c.Set(ctx, "k7", 7, SetOptions{TTL: time.Minute}))
				require.NoError(t, c.Set(ctx, "k4", 4, SetOptions{TTL: 2 * time.Minute}))
			},
			evicted: []string{"k7", "k4"},
		},
		{
			name:    "random",
			policy:  PolicyRandom,
			prepare: func(c *Cache, now *time.Time) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.EvictionPolicy = tt.policy
			c, now := createTestCache(t, store.NewMemoryStore(), config)

			fillCache(t, c, 10)
			tt.prepare(c, now)

			removed, err := c.Evict(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, removed, "below the memory threshold nothing is evicted")

			c.config.MaxMemory = 1
			removed, err = c.Evict(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, removed)
			assert.Equal(t, 8, c.Stats().Entries)
			assert.Equal(t, int64(2), c.Stats().Evictions)

			for _, key := range tt.evicted {
				hit, err := c.Get(ctx, key, nil)
				require.NoError(t, err)
				assert.False(t, hit, key)
			}
		})
	}
}

func TestCache_SetEvictsPastThreshold(t *testing.T) {
	config := DefaultConfig()
	config.MaxMemory = 4096
	c, _ := createTestCache(t, store.NewMemoryStore(), config)
	ctx := context.Background()

	value := strings.Repeat("x", 200)
	for i := 0; i < 50; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%02d", i), value, SetOptions{TTL: time.Hour}))
		assert.LessOrEqual(t, c.Stats().MemoryBytes, config.MaxMemory)
	}

	stats := c.Stats()
	assert.Greater(t, stats.Evictions, int64(0))
	assert.Less(t, stats.Entries, 50)

	hit, err := c.Get(ctx, "k49", nil)
	require.NoError(t, err)
	assert.True(t, hit, "the latest write survives eviction")
}

func TestRankForEviction_TieBreaksOnPriority(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []indexEntry{
		{key: "high", lastAccess: now, priority: 5},
		{key: "low", lastAccess: now, priority: 1},
		{key: "old", lastAccess: now.Add(-time.Hour), priority: 5},
	}

	assert.Equal(t, []string{"old", "low", "high"}, rankForEviction(entries, PolicyLRU, now))
}

func TestCache_Cleanup(t *testing.T) {
	c, now := createTestCache(t, store.NewMemoryStore(), DefaultConfig())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "unused", 1, SetOptions{TTL: 48 * time.Hour}))
	require.NoError(t, c.Set(ctx, "popular", 2, SetOptions{TTL: 48 * time.Hour}))
	require.NoError(t, c.Set(ctx, "short", 3, SetOptions{TTL: time.Hour}))
	_, _ = c.Get(ctx, "popular", nil)
	_, _ = c.Get(ctx, "popular", nil)

	*now = now.Add(25 * time.Hour)

	removed, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	hit, err := c.Get(ctx, "popular", nil)
	require.NoError(t, err)
	assert.True(t, hit)
	hit, err = c.Get(ctx, "unused", nil)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCache_ExtendPopular(t *testing.T) {
	s := store.NewMemoryStore()
	c, now := createTestCache(t, s, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "hot", 1, SetOptions{TTL: time.Hour, Tags: []string{"t"}}))
	require.NoError(t, c.Set(ctx, "capped", 2, SetOptions{TTL: 20 * time.Hour}))
	require.NoError(t, c.Set(ctx, "cold", 3, SetOptions{TTL: time.Hour}))
	for i := 0; i < 11; i++ {
		_, _ = c.Get(ctx, "hot", nil)
		_, _ = c.Get(ctx, "capped", nil)
	}
	for i := 0; i < 10; i++ {
		_, _ = c.Get(ctx, "cold", nil)
	}

	extended, err := c.ExtendPopular(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, extended)

	assert.Equal(t, int64(5400), readEntry(t, s, "hot").TTLSeconds)
	assert.Equal(t, int64(86400), readEntry(t, s, "capped").TTLSeconds)
	assert.Equal(t, int64(3600), readEntry(t, s, "cold").TTLSeconds)

	*now = now.Add(time.Hour + time.Minute)
	hit, err := c.Get(ctx, "hot", nil)
	require.NoError(t, err)
	assert.True(t, hit)
	hit, err = c.Get(ctx, "cold", nil)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCache_TrackPopularity(t *testing.T) {
	c, now := createTestCache(t, store.NewMemoryStore(), DefaultConfig())
	ctx := context.Background()

	// read twice long ago: outside the 6h lookback
	_, _ = c.Get(ctx, "stale", nil)
	_, _ = c.Get(ctx, "stale", nil)
	*now = now.Add(7 * time.Hour)

	_, _ = c.Get(ctx, "wanted", nil)
	_, _ = c.Get(ctx, "wanted", nil)
	_, _ = c.Get(ctx, "once", nil)

	require.NoError(t, c.Set(ctx, "present", 1, SetOptions{}))
	_, _ = c.Get(ctx, "present", nil)
	_, _ = c.Get(ctx, "present", nil)

	assert.Equal(t, []string{"wanted"}, c.TrackPopularity())

	// buckets older than 24h are dropped entirely
	*now = now.Add(25 * time.Hour)
	assert.Empty(t, c.TrackPopularity())
	c.popMu.Lock()
	assert.Empty(t, c.popularity)
	c.popMu.Unlock()
}

func TestCache_Warm(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	first, _ := createTestCache(t, s, DefaultConfig())
	require.NoError(t, first.Set(ctx, "a", 1, SetOptions{}))
	require.NoError(t, first.Set(ctx, "b", 2, SetOptions{}))

	second, _ := createTestCache(t, s, DefaultConfig())
	assert.Equal(t, 0, second.Stats().Entries)

	loaded, err := second.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)
	assert.Equal(t, 2, second.Stats().Entries)
	assert.Equal(t, first.Stats().MemoryBytes, second.Stats().MemoryBytes)
}

func TestFingerprint_KeyOrderStability(t *testing.T) {
	a := map[string]interface{}{}
	a["prompt"] = "x"
	a["capability"] = "code"
	a["maxTokens"] = 10

	b := map[string]interface{}{}
	b["maxTokens"] = 10
	b["capability"] = "code"
	b["prompt"] = "x"

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)

	b["prompt"] = "y"
	fc, err := Fingerprint(b)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}

func TestRequestFingerprint(t *testing.T) {
	intPtr := func(v int) *int { return &v }
	floatPtr := func(v float64) *float64 { return &v }

	base := RequestFingerprint("write a loop", "code", intPtr(100), floatPtr(0.2))
	assert.Equal(t, base, RequestFingerprint("write a loop", "code", intPtr(100), floatPtr(0.2)))
	assert.NotEqual(t, base, RequestFingerprint("write a loop", "code", intPtr(100), floatPtr(0.3)))
	assert.NotEqual(t, base, RequestFingerprint("write a loop", "creative", intPtr(100), floatPtr(0.2)))
	assert.NotEqual(t, base, RequestFingerprint("write a loop", "code", intPtr(200), floatPtr(0.2)))

	unset := RequestFingerprint("write a loop", "code", nil, nil)
	assert.Equal(t, unset, RequestFingerprint("write a loop", "code", nil, nil))
	assert.NotEqual(t, unset, RequestFingerprint("write a loop", "code", nil, floatPtr(0)), "unset temperature is not temperature 0")
	assert.NotEqual(t, unset, RequestFingerprint("write a loop", "code", intPtr(0), nil))
}
