package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-pipeline/internal/config"
)

const (
	// GlobalWhitelistLockKey serializes every read and write of whitelist keys.
	GlobalWhitelistLockKey = "lock:global:whitelist"

	whitelistPrefix = "whitelist"
	deleteChunkSize = 500
	scanCount       = 1000

	lockKindGlobal = "global"
	lockKindKey    = "key"
)

// WhitelistKey returns the cache key of a whitelist entry.
func WhitelistKey(source, value string) string {
	return fmt.Sprintf("%s:%s:%s", whitelistPrefix, source, value)
}

// LockKey returns the per-key lock guarding key.
func LockKey(key string) string {
	return "lock:" + key
}

// IsWhitelistKey reports whether key lives in the whitelist namespace, i.e.
// its first segment is "whitelist".
func IsWhitelistKey(key string) bool {
	prefix, _, found := strings.Cut(key, ":")
	return found && strings.EqualFold(prefix, whitelistPrefix)
}

// patternMayMatchWhitelist reports whether a SCAN pattern can match a
// whitelist key. Any glob in the first segment counts as a possible match.
func patternMayMatchWhitelist(pattern string) bool {
	prefix, _, _ := strings.Cut(pattern, ":")
	if strings.ContainsAny(prefix, `*?[\`) {
		return true
	}
	return strings.EqualFold(prefix, whitelistPrefix)
}

// Options holds lock timeouts used by RedisCache.
type Options struct {
	KeyLockTimeout        time.Duration
	WhitelistReadTimeout  time.Duration
	WhitelistWriteTimeout time.Duration
	WhitelistBulkTimeout  time.Duration
	LockLease             time.Duration
}

func DefaultOptions() Options {
	return Options{
		KeyLockTimeout:        30 * time.Second,
		WhitelistReadTimeout:  5 * time.Second,
		WhitelistWriteTimeout: 30 * time.Second,
		WhitelistBulkTimeout:  5 * time.Minute,
		LockLease:             30 * time.Second,
	}
}

// RedisCache is the distributed cache service shared by the pipeline stages.
type RedisCache struct {
	client redis.UniversalClient
	locker *Locker
	opts   Options
	logger *zap.Logger

	// bulkWriteHook runs while the global lock is held during a batch write.
	bulkWriteHook func()
}

// NewClient builds a Redis client from configuration.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Connect builds a cache from configuration and verifies the server answers.
// Stages treat a failure here as fatal.
func Connect(ctx context.Context, cfg config.RedisConfig, opts Options, logger *zap.Logger) (*RedisCache, error) {
	c := New(NewClient(cfg), opts, logger)
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return c, nil
}

func New(client redis.UniversalClient, opts Options, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{
		client: client,
		locker: NewLocker(client, opts.LockLease, logger),
		opts:   opts,
		logger: logger,
	}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) withGlobalWhitelistLock(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	return c.locker.withLock(ctx, GlobalWhitelistLockKey, timeout, lockKindGlobal, fn)
}

func (c *RedisCache) withKeyLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return c.locker.withLock(ctx, LockKey(key), c.opts.KeyLockTimeout, lockKindKey, fn)
}

// Set stores value as JSON. A zero ttl stores without expiry.
func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}

	write := func(ctx context.Context) error {
		return c.client.Set(ctx, key, data, ttl).Err()
	}
	if IsWhitelistKey(key) {
		return c.withGlobalWhitelistLock(ctx, c.opts.WhitelistBulkTimeout, write)
	}
	return c.withKeyLock(ctx, key, write)
}

// Get decodes the JSON stored at key into dest. It reports false when the
// key does not exist.
func (c *RedisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	var data []byte
	read := func(ctx context.Context) error {
		var err error
		data, err = c.client.Get(ctx, key).Bytes()
		return err
	}

	var err error
	if IsWhitelistKey(key) {
		err = c.withGlobalWhitelistLock(ctx, c.opts.WhitelistReadTimeout, read)
	} else {
		err = read(ctx)
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal value for %s: %w", key, err)
	}
	return true, nil
}

// Update performs a read-modify-write of key under its lock. fn receives the
// current raw value (nil when absent) and returns the replacement.
func (c *RedisCache) Update(ctx context.Context, key string, ttl time.Duration, fn func(current []byte) (any, error)) error {
	update := func(ctx context.Context) error {
		current, err := c.client.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal value for %s: %w", key, err)
		}
		return c.client.Set(ctx, key, data, ttl).Err()
	}

	if IsWhitelistKey(key) {
		return c.withGlobalWhitelistLock(ctx, c.opts.WhitelistWriteTimeout, update)
	}
	return c.withKeyLock(ctx, key, update)
}

func (c *RedisCache) Remove(ctx context.Context, key string) error {
	remove := func(ctx context.Context) error {
		return c.client.Del(ctx, key).Err()
	}
	if IsWhitelistKey(key) {
		return c.withGlobalWhitelistLock(ctx, c.opts.WhitelistWriteTimeout, remove)
	}
	return remove(ctx)
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	exists := func(ctx context.Context) error {
		var err error
		n, err = c.client.Exists(ctx, key).Result()
		return err
	}

	var err error
	if IsWhitelistKey(key) {
		err = c.withGlobalWhitelistLock(ctx, c.opts.WhitelistReadTimeout, exists)
	} else {
		err = exists(ctx)
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// KeysByPattern enumerates keys with SCAN so large keyspaces do not block the server.
func (c *RedisCache) KeysByPattern(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys for %s: %w", pattern, err)
	}
	return keys, nil
}

// RemoveByPattern deletes every key matching pattern in chunks and returns
// the number of keys deleted. Patterns that may match whitelist keys hold
// the global lock.
func (c *RedisCache) RemoveByPattern(ctx context.Context, pattern string) (int64, error) {
	var removed int64
	remove := func(ctx context.Context) error {
		var err error
		removed, err = c.deleteKeysByPattern(ctx, pattern)
		return err
	}

	var err error
	if patternMayMatchWhitelist(pattern) {
		err = c.withGlobalWhitelistLock(ctx, c.opts.WhitelistBulkTimeout, remove)
	} else {
		err = remove(ctx)
	}
	if err != nil {
		return removed, err
	}

	c.logger.Info("removed keys by pattern", zap.String("pattern", pattern), zap.Int64("count", removed))
	return removed, nil
}

func (c *RedisCache) deleteKeysByPattern(ctx context.Context, pattern string) (int64, error) {
	keys, err := c.KeysByPattern(ctx, pattern)
	if err != nil {
		return 0, err
	}

	var removed int64
	for start := 0; start < len(keys); start += deleteChunkSize {
		end := min(start+deleteChunkSize, len(keys))
		n, err := c.client.Del(ctx, keys[start:end]...).Result()
		removed += n
		if err != nil {
			return removed, fmt.Errorf("failed to delete keys for %s: %w", pattern, err)
		}
	}
	return removed, nil
}

// IsInWhitelist reports whether a live whitelist entry exists for (source, value).
func (c *RedisCache) IsInWhitelist(ctx context.Context, source, value string) (bool, error) {
	return c.IsInAnyWhitelist(ctx, value, source)
}

// IsInAnyWhitelist reports whether value is whitelisted by any of sources,
// under a single acquisition of the global whitelist lock.
func (c *RedisCache) IsInAnyWhitelist(ctx context.Context, value string, sources ...string) (bool, error) {
	if len(sources) == 0 {
		return false, nil
	}
	keys := make([]string, len(sources))
	for i, source := range sources {
		keys[i] = WhitelistKey(source, value)
	}

	var n int64
	err := c.withGlobalWhitelistLock(ctx, c.opts.WhitelistReadTimeout, func(ctx context.Context) error {
		var err error
		n, err = c.client.Exists(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddToWhitelist stores a single whitelist entry.
func (c *RedisCache) AddToWhitelist(ctx context.Context, source, value string, ttl time.Duration) error {
	return c.withGlobalWhitelistLock(ctx, c.opts.WhitelistWriteTimeout, func(ctx context.Context) error {
		return c.client.Set(ctx, WhitelistKey(source, value), value, ttl).Err()
	})
}

// AddToWhitelistBatch stores values as one MULTI/EXEC transaction while
// holding the global whitelist lock, so readers see all or none of the batch.
func (c *RedisCache) AddToWhitelistBatch(ctx context.Context, source string, values []string, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}

	return c.withGlobalWhitelistLock(ctx, c.opts.WhitelistBulkTimeout, func(ctx context.Context) error {
		if c.bulkWriteHook != nil {
			c.bulkWriteHook()
		}
		_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, value := range values {
				if value == "" {
					continue
				}
				pipe.Set(ctx, WhitelistKey(source, value), value, ttl)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to write whitelist batch for %s: %w", source, err)
		}
		return nil
	})
}
