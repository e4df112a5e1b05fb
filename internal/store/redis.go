package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// maxUpdateAttempts bounds the optimistic retries of Update under contention
const maxUpdateAttempts = 10

// RedisStore is a Store backed by Redis. Tag sets rely on EXPIRE NX/GT and
// need Redis 7 or newer.
type RedisStore struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg RedisConfig, logger *logrus.Logger) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		// Connection timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		// Retry configuration
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	logger.WithFields(logrus.Fields{
		"addr": cfg.Addr,
		"db":   cfg.DB,
	}).Info("Connected to Redis")

	return NewRedisStoreFromClient(client, logger), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, logger *logrus.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (r *RedisStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Update is an optimistic WATCH/MULTI transaction retried while the key is
// changed underneath it
func (r *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, ttl, write, err := fn(current)
		if err != nil || !write {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis update %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("redis update %s: %w", key, ErrConflict)
}

func (r *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis del %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisStore) AddToSet(ctx context.Context, setKey, member string, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		addMember(ctx, pipe, setKey, member, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis sadd %s: %w", setKey, err)
	}
	return nil
}

func addMember(ctx context.Context, pipe redis.Pipeliner, setKey, member string, ttl time.Duration) {
	pipe.SAdd(ctx, setKey, member)
	if ttl > 0 {
		pipe.ExpireNX(ctx, setKey, ttl)
		pipe.ExpireGT(ctx, setKey, ttl)
	}
}

func (r *RedisStore) RemoveFromSet(ctx context.Context, setKey, member string) error {
	if err := r.client.SRem(ctx, setKey, member).Err(); err != nil {
		return fmt.Errorf("redis srem %s: %w", setKey, err)
	}
	return nil
}

func (r *RedisStore) MembersOf(ctx context.Context, setKey string) ([]string, error) {
	members, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", setKey, err)
	}
	return members, nil
}

func (r *RedisStore) SetWithTags(ctx context.Context, key string, value []byte, ttl time.Duration, tagKeys, staleTagKeys []string, tagTTL time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, tagKey := range staleTagKeys {
			pipe.SRem(ctx, tagKey, key)
		}
		pipe.Set(ctx, key, value, ttl)
		for _, tagKey := range tagKeys {
			addMember(ctx, pipe, tagKey, key, tagTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set with tags %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) DeleteWithTags(ctx context.Context, key string, tagKeys []string) (bool, error) {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, tagKey := range tagKeys {
			pipe.SRem(ctx, tagKey, key)
		}
		del = pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete with tags %s: %w", key, err)
	}
	return del.Val() > 0, nil
}

func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s*: %w", prefix, err)
	}
	return keys, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
