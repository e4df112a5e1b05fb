package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired
	ErrNotFound = errors.New("store: key not found")
	// ErrConflict is returned by Update when other writers kept changing the key
	ErrConflict = errors.New("store: concurrent update conflict")
)

// UpdateFunc computes the next value of a key from its current one, nil when
// absent. It returns write=false to leave the key untouched. It may run more
// than once, so it must not have side effects beyond its return values and
// the last call wins.
type UpdateFunc func(current []byte) (next []byte, ttl time.Duration, write bool, err error)

// Store is the key-value contract the cache and rate limiter persist through.
// A zero TTL means the key does not expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	// Update runs fn and writes its result atomically with respect to every
	// other writer of key, including other processes sharing the store
	Update(ctx context.Context, key string, fn UpdateFunc) error

	AddToSet(ctx context.Context, setKey, member string, ttl time.Duration) error
	RemoveFromSet(ctx context.Context, setKey, member string) error
	MembersOf(ctx context.Context, setKey string) ([]string, error)

	// SetWithTags writes key, adds it to every set in tagKeys and removes it
	// from every set in staleTagKeys in one transaction. Tag set expiry is only
	// ever extended, never shortened.
	SetWithTags(ctx context.Context, key string, value []byte, ttl time.Duration, tagKeys, staleTagKeys []string, tagTTL time.Duration) error
	// DeleteWithTags removes key and its memberships in one transaction
	DeleteWithTags(ctx context.Context, key string, tagKeys []string) (bool, error)

	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
