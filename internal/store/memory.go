package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryValue struct {
	data      []byte
	expiresAt time.Time
}

type memorySet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// MemoryStore is an in-process Store. State does not survive a restart.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memoryValue
	sets   map[string]*memorySet
	now    func() time.Time
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memoryValue),
		sets:   make(map[string]*memorySet),
		now:    time.Now,
	}
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key)
}

func (m *MemoryStore) getLocked(key string) ([]byte, error) {
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	if expired(v.expiresAt, m.now()) {
		delete(m.values, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, nil
}

func (m *MemoryStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.getLocked(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	next, ttl, write, err := fn(current)
	if err != nil || !write {
		return err
	}
	m.setLocked(key, next, ttl)
	return nil
}

func (m *MemoryStore) setLocked(key string, value []byte, ttl time.Duration) {
	data := make([]byte, len(value))
	copy(data, value)
	m.values[key] = memoryValue{data: data, expiresAt: m.expiry(ttl)}
}

func (m *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(key), nil
}

func (m *MemoryStore) deleteLocked(key string) bool {
	v, ok := m.values[key]
	if !ok {
		return false
	}
	delete(m.values, key)
	return !expired(v.expiresAt, m.now())
}

func (m *MemoryStore) AddToSet(ctx context.Context, setKey, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(setKey, member, ttl)
	return nil
}

func (m *MemoryStore) addLocked(setKey, member string, ttl time.Duration) {
	s, ok := m.sets[setKey]
	if !ok || expired(s.expiresAt, m.now()) {
		s = &memorySet{members: make(map[string]struct{}), expiresAt: m.expiry(ttl)}
		m.sets[setKey] = s
	}
	s.members[member] = struct{}{}

	// extend only
	next := m.expiry(ttl)
	if next.IsZero() || (!s.expiresAt.IsZero() && next.After(s.expiresAt)) {
		s.expiresAt = next
	}
}

func (m *MemoryStore) RemoveFromSet(ctx context.Context, setKey, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(setKey, member)
	return nil
}

func (m *MemoryStore) removeLocked(setKey, member string) {
	s, ok := m.sets[setKey]
	if !ok {
		return
	}
	delete(s.members, member)
	if len(s.members) == 0 {
		delete(m.sets, setKey)
	}
}

func (m *MemoryStore) MembersOf(ctx context.Context, setKey string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[setKey]
	if !ok {
		return nil, nil
	}
	if expired(s.expiresAt, m.now()) {
		delete(m.sets, setKey)
		return nil, nil
	}
	out := make([]string, 0, len(s.members))
	for member := range s.members {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) SetWithTags(ctx context.Context, key string, value []byte, ttl time.Duration, tagKeys, staleTagKeys []string, tagTTL time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tagKey := range staleTagKeys {
		m.removeLocked(tagKey, key)
	}
	m.setLocked(key, value, ttl)
	for _, tagKey := range tagKeys {
		m.addLocked(tagKey, key, tagTTL)
	}
	return nil
}

func (m *MemoryStore) DeleteWithTags(ctx context.Context, key string, tagKeys []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tagKey := range tagKeys {
		m.removeLocked(tagKey, key)
	}
	return m.deleteLocked(key), nil
}

func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []string
	for key, v := range m.values {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if expired(v.expiresAt, now) {
			delete(m.values, key)
			continue
		}
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
