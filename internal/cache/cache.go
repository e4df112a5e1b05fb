package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-resilience/internal/store"
)

const (
	entryPrefix = "cache:entry:"
	tagPrefix   = "cache:tag:"

	// tag sets outlive their entries so a late delete still finds them
	tagGrace = 60 * time.Second

	// MaxTTL caps TTL extension for popular entries
	MaxTTL = 24 * time.Hour

	DefaultPriority = 3
)

// Policy selects which entries are removed under memory pressure
type Policy string

const (
	PolicyLRU    Policy = "lru"
	PolicyLFU    Policy = "lfu"
	PolicyTTL    Policy = "ttl"
	PolicyRandom Policy = "random"
)

// Valid reports whether p is a known policy
func (p Policy) Valid() bool {
	switch p {
	case PolicyLRU, PolicyLFU, PolicyTTL, PolicyRandom:
		return true
	}
	return false
}

// Config holds cache settings
type Config struct {
	Enabled              bool          `yaml:"enabled"`
	DefaultTTL           time.Duration `yaml:"default_ttl"`
	MaxMemory            int64         `yaml:"max_memory"`
	EvictionPolicy       Policy        `yaml:"eviction_policy"`
	Compression          bool          `yaml:"compression"`
	CompressionThreshold int           `yaml:"compression_threshold"`
}

// DefaultConfig returns a 1h TTL, 100 MiB, LRU cache that compresses values
// over 1 KiB
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		DefaultTTL:           time.Hour,
		MaxMemory:            100 * 1024 * 1024,
		EvictionPolicy:       PolicyLRU,
		Compression:          true,
		CompressionThreshold: 1024,
	}
}

// Metadata is stored alongside every cached value
type Metadata struct {
	Priority   int      `json:"priority"`
	Tags       []string `json:"tags,omitempty"`
	Dependency string   `json:"dependency,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	Compressed bool     `json:"compressed"`
}

// Entry is the persisted form of a cached value. Value holds the JSON
// encoding; Data holds gzip+base64 of it when Metadata.Compressed is set.
type Entry struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value,omitempty"`
	Data       string          `json:"data,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	TTLSeconds int64           `json:"ttl_seconds"`
	HitCount   int64           `json:"hit_count"`
	LastAccess time.Time       `json:"last_access"`
	SizeBytes  int64           `json:"size_bytes"`
	Metadata   Metadata        `json:"metadata"`
}

func (e *Entry) ttl() time.Duration {
	return time.Duration(e.TTLSeconds) * time.Second
}

func (e *Entry) expiresAt() time.Time {
	return e.CreatedAt.Add(e.ttl())
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.ttl()
}

// SetOptions controls how a value is stored
type SetOptions struct {
	TTL                time.Duration
	Priority           int
	Tags               []string
	Dependency         string
	Provider           string
	DisableCompression bool
}

// Stats summarizes cache activity
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Sets        int64   `json:"sets"`
	Deletes     int64   `json:"deletes"`
	Evictions   int64   `json:"evictions"`
	Entries     int     `json:"entries"`
	MemoryBytes int64   `json:"memory_bytes"`
	MaxMemory   int64   `json:"max_memory"`
	Policy      Policy  `json:"policy"`
}

// indexEntry mirrors the fields eviction and maintenance need, so they can
// run without reading every entry back from the store
type indexEntry struct {
	key        string
	createdAt  time.Time
	ttl        time.Duration
	hitCount   int64
	lastAccess time.Time
	size       int64
	priority   int
	tags       []string
}

func (ie *indexEntry) expired(now time.Time) bool {
	return now.Sub(ie.createdAt) > ie.ttl
}

// Cache is a TTL and tag indexed response cache over a store.Store
type Cache struct {
	store  store.Store
	config Config
	logger *logrus.Logger
	now    func() time.Time

	locks *keyLocks

	mu     sync.RWMutex
	index  map[string]*indexEntry
	memory int64

	evicting atomic.Bool

	popMu      sync.Mutex
	popularity map[string]map[int64]int

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

// New creates a cache over s
func New(s store.Store, config Config, logger *logrus.Logger) *Cache {
	defaults := DefaultConfig()
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = defaults.DefaultTTL
	}
	if config.MaxMemory <= 0 {
		config.MaxMemory = defaults.MaxMemory
	}
	if !config.EvictionPolicy.Valid() {
		config.EvictionPolicy = defaults.EvictionPolicy
	}
	if config.CompressionThreshold <= 0 {
		config.CompressionThreshold = defaults.CompressionThreshold
	}

	return &Cache{
		store:      s,
		config:     config,
		logger:     logger,
		now:        time.Now,
		locks:      newKeyLocks(),
		index:      make(map[string]*indexEntry),
		popularity: make(map[string]map[int64]int),
	}
}

func entryKey(key string) string { return entryPrefix + key }

func tagKey(tag string) string { return tagPrefix + tag }

func tagKeys(tags []string) []string {
	keys := make([]string, len(tags))
	for i, tag := range tags {
		keys[i] = tagKey(tag)
	}
	return keys
}

// Get loads key into dest. It reports false on a miss; an expired entry is
// deleted as part of the miss.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	now := c.now()
	c.recordAccess(key, now)

	unlock := c.locks.lock(key)
	defer unlock()

	entry, err := c.load(ctx, key)
	if err != nil {
		c.misses.Add(1)
		return false, err
	}
	if entry == nil {
		c.misses.Add(1)
		c.dropIndex(key)
		return false, nil
	}

	if entry.expired(now) {
		c.misses.Add(1)
		if _, err := c.store.DeleteWithTags(ctx, entryKey(key), tagKeys(entry.Metadata.Tags)); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Failed to delete expired cache entry")
		}
		c.dropIndex(key)
		return false, nil
	}

	payload, err := decodeValue(entry)
	if err != nil {
		c.misses.Add(1)
		return false, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}

	entry.HitCount++
	entry.LastAccess = now
	c.writeBack(ctx, entry, now)

	c.hits.Add(1)
	if dest == nil {
		return true, nil
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("failed to deserialize cache entry %s: %w", key, err)
	}
	return true, nil
}

// writeBack persists hit counters; a failure only costs accuracy
func (c *Cache) writeBack(ctx context.Context, entry *Entry, now time.Time) {
	c.mu.Lock()
	if ie, ok := c.index[entry.Key]; ok {
		ie.hitCount = entry.HitCount
		ie.lastAccess = entry.LastAccess
	} else {
		c.putIndexLocked(newIndexEntry(entry))
	}
	c.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	remaining := entry.expiresAt().Sub(now)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	if err := c.store.SetWithTTL(ctx, entryKey(entry.Key), data, remaining); err != nil {
		c.logger.WithError(err).WithField("key", entry.Key).Warn("Failed to update cache hit count")
	}
}

// Set stores value under key and runs an eviction pass when the write pushes
// memory usage over the eviction threshold
func (c *Cache) Set(ctx context.Context, key string, value interface{}, opts SetOptions) error {
	if err := c.set(ctx, key, value, opts); err != nil {
		return err
	}
	c.evictIfNeeded(ctx)
	return nil
}

func (c *Cache) set(ctx context.Context, key string, value interface{}, opts SetOptions) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize cache value %s: %w", key, err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	ttlSeconds := int64(math.Ceil(ttl.Seconds()))
	ttl = time.Duration(ttlSeconds) * time.Second

	priority := opts.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	priority = min(max(priority, 1), 5)

	now := c.now()
	entry := &Entry{
		Key:        key,
		CreatedAt:  now,
		TTLSeconds: ttlSeconds,
		LastAccess: now,
		Metadata: Metadata{
			Priority:   priority,
			Tags:       dedupe(opts.Tags),
			Dependency: opts.Dependency,
			Provider:   opts.Provider,
		},
	}

	if c.config.Compression && !opts.DisableCompression && len(raw) > c.config.CompressionThreshold {
		if encoded, ok := compress(raw); ok {
			entry.Data = encoded
			entry.Metadata.Compressed = true
		}
	}
	if !entry.Metadata.Compressed {
		entry.Value = raw
	}
	entry.SizeBytes = int64(len(entry.Value) + len(entry.Data) + len(key))

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize cache entry %s: %w", key, err)
	}

	unlock := c.locks.lock(key)
	defer unlock()

	c.mu.RLock()
	var stale []string
	if old, ok := c.index[key]; ok {
		stale = missing(old.tags, entry.Metadata.Tags)
	}
	c.mu.RUnlock()

	if err := c.store.SetWithTags(ctx, entryKey(key), data, ttl, tagKeys(entry.Metadata.Tags), tagKeys(stale), ttl+tagGrace); err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", key, err)
	}

	c.mu.Lock()
	c.putIndexLocked(newIndexEntry(entry))
	c.mu.Unlock()
	c.sets.Add(1)

	c.logger.WithFields(logrus.Fields{
		"key":        key,
		"ttl":        ttl,
		"size":       entry.SizeBytes,
		"compressed": entry.Metadata.Compressed,
		"tags":       entry.Metadata.Tags,
	}).Debug("Cache entry stored")
	return nil
}

// Delete removes key and its tag memberships
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	unlock := c.locks.lock(key)
	defer unlock()
	return c.deleteLocked(ctx, key)
}

func (c *Cache) deleteLocked(ctx context.Context, key string) (bool, error) {
	var tags []string
	c.mu.RLock()
	if ie, ok := c.index[key]; ok {
		tags = ie.tags
	}
	c.mu.RUnlock()

	if entry, err := c.load(ctx, key); err == nil && entry != nil {
		tags = union(tags, entry.Metadata.Tags)
	}

	deleted, err := c.store.DeleteWithTags(ctx, entryKey(key), tagKeys(tags))
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	c.dropIndex(key)
	if deleted {
		c.deletes.Add(1)
	}
	return deleted, nil
}

// ClearByTag deletes every entry carrying tag and returns how many existed
func (c *Cache) ClearByTag(ctx context.Context, tag string) (int, error) {
	members, err := c.store.MembersOf(ctx, tagKey(tag))
	if err != nil {
		return 0, fmt.Errorf("failed to read tag %s: %w", tag, err)
	}

	count := 0
	for _, member := range members {
		key := strings.TrimPrefix(member, entryPrefix)
		deleted, err := c.Delete(ctx, key)
		if err != nil {
			return count, err
		}
		if deleted {
			count++
		}
	}
	if _, err := c.store.Delete(ctx, tagKey(tag)); err != nil {
		return count, fmt.Errorf("failed to delete tag %s: %w", tag, err)
	}

	c.logger.WithFields(logrus.Fields{
		"tag":     tag,
		"removed": count,
	}).Info("Cache tag cleared")
	return count, nil
}

// Stats returns counters and current memory usage
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.index)
	memory := c.memory
	c.mu.RUnlock()

	stats := Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		Deletes:     c.deletes.Load(),
		Evictions:   c.evictions.Load(),
		Entries:     entries,
		MemoryBytes: memory,
		MaxMemory:   c.config.MaxMemory,
		Policy:      c.config.EvictionPolicy,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (c *Cache) load(ctx context.Context, key string) (*Entry, error) {
	data, err := c.store.Get(ctx, entryKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse cache entry %s: %w", key, err)
	}
	return &entry, nil
}

func (c *Cache) dropIndex(key string) {
	c.mu.Lock()
	if ie, ok := c.index[key]; ok {
		c.memory -= ie.size
		delete(c.index, key)
	}
	c.mu.Unlock()
}

// putIndexLocked replaces the index entry for ie.key and keeps the memory
// total in step. c.mu must be held for writing.
func (c *Cache) putIndexLocked(ie *indexEntry) {
	if old, ok := c.index[ie.key]; ok {
		c.memory -= old.size
	}
	c.index[ie.key] = ie
	c.memory += ie.size
}

func newIndexEntry(e *Entry) *indexEntry {
	return &indexEntry{
		key:        e.Key,
		createdAt:  e.CreatedAt,
		ttl:        e.ttl(),
		hitCount:   e.HitCount,
		lastAccess: e.LastAccess,
		size:       e.SizeBytes,
		priority:   e.Metadata.Priority,
		tags:       e.Metadata.Tags,
	}
}

// compress returns base64(gzip(raw)) when that is smaller than raw
func compress(raw []byte) (string, bool) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", false
	}
	if err := zw.Close(); err != nil {
		return "", false
	}

	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	if len(encoded) >= len(raw) {
		return "", false
	}
	return encoded, true
}

func decodeValue(e *Entry) ([]byte, error) {
	if !e.Metadata.Compressed {
		return e.Value, nil
	}

	compressed, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func dedupe(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// missing returns the elements of a not present in b
func missing(a, b []string) []string {
	var out []string
	for _, x := range a {
		found := false
		for _, y := range b {
			if x == y {
				found = true
				break
			}
		}
		if !found {
			out = append(out, x)
		}
	}
	return out
}

func union(a, b []string) []string {
	return append(append([]string(nil), a...), missing(b, a)...)
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks hands out one mutex per key and frees it once unused
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*refLock)}
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
