// Package cache implements a Redis-backed KV cache that degrades to an
// in-memory fallback when Redis is unreachable, following a
// Redis-hot-path/log-and-fall-through shape.
package cache

import (
	"context"
	"crypto/md5" //nolint:gosec // non-cryptographic use: key compaction only
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache: miss")

// ComputeFunc produces a value to cache on a miss.
type ComputeFunc func(ctx context.Context) (any, error)

// Cache wraps a Redis client with a degrade-to-memory fallback.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger

	warnLimiter *rate.Limiter

	mu          sync.RWMutex
	degraded    bool
	memoryStore map[string]memEntry
}

type memEntry struct {
	value  []byte
	expiry time.Time
}

// New builds a Cache. rdb may be nil, in which case the cache starts
// degraded (in-memory only).
func New(rdb *redis.Client, logger *slog.Logger) *Cache {
	c := &Cache{
		rdb:         rdb,
		logger:      logger,
		warnLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
		memoryStore: make(map[string]memEntry),
	}
	if rdb == nil {
		c.degraded = true
	}
	return c
}

// MakeKey joins parts with ":".
func MakeKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// MakeHashKey produces "prefix:<first-8-hex-of-MD5(canonical-json(dict))>"
// — MD5 used only as a non-cryptographic hash for key compactness.
func MakeHashKey(prefix string, dict any) (string, error) {
	canonical, err := canonicalJSON(dict)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(canonical) //nolint:gosec
	return prefix + ":" + hex.EncodeToString(sum[:])[:8], nil
}

// canonicalJSON marshals v with sorted map keys via a round trip through
// a generic map, since encoding/json already sorts map keys on encode.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func (c *Cache) warnOnce(msg string, args ...any) {
	if c.warnLimiter.Allow() {
		c.logger.Warn(msg, args...)
	}
}

func (c *Cache) markDegraded(err error) {
	c.mu.Lock()
	wasDegraded := c.degraded
	c.degraded = true
	c.mu.Unlock()
	if !wasDegraded {
		c.warnOnce("cache backing store unreachable, degrading to in-memory", "error", err)
	}
}

func (c *Cache) markHealthy() {
	c.mu.Lock()
	c.degraded = false
	c.mu.Unlock()
}

func (c *Cache) isDegraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// Get returns the decoded value for key, or ErrMiss.
func (c *Cache) Get(ctx context.Context, key string, out any) error {
	if c.rdb != nil && !c.isDegraded() {
		raw, err := c.rdb.Get(ctx, key).Bytes()
		if err == nil {
			c.markHealthy()
			return json.Unmarshal(raw, out)
		}
		if errors.Is(err, redis.Nil) {
			c.markHealthy()
			return ErrMiss
		}
		c.markDegraded(err)
	}
	return c.memGet(key, out)
}

func (c *Cache) memGet(key string, out any) error {
	c.mu.RLock()
	entry, ok := c.memoryStore[key]
	c.mu.RUnlock()
	if !ok {
		return ErrMiss
	}
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		c.mu.Lock()
		delete(c.memoryStore, key)
		c.mu.Unlock()
		return ErrMiss
	}
	return json.Unmarshal(entry.value, out)
}

// Set stores value (JSON-encoded) under key with ttl. Set errors are
// swallowed after logging, matching the best-effort get_or_compute
// contract; callers that need to know about a write failure should call
// setErr directly.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	_ = c.setErr(ctx, key, value, ttl)
}

func (c *Cache) setErr(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	if c.rdb != nil && !c.isDegraded() {
		if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
			c.markDegraded(err)
		} else {
			c.markHealthy()
			return nil
		}
	}

	var expiry time.Time
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.memoryStore[key] = memEntry{value: data, expiry: expiry}
	c.mu.Unlock()
	return nil
}

// Delete removes key from whichever store currently holds it.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.rdb != nil && !c.isDegraded() {
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			c.markDegraded(err)
		} else {
			c.markHealthy()
		}
	}
	c.mu.Lock()
	delete(c.memoryStore, key)
	c.mu.Unlock()
}

// DeletePattern deletes every key matching glob, scanning in batches of
// at most 100.
func (c *Cache) DeletePattern(ctx context.Context, glob string) {
	if c.rdb != nil && !c.isDegraded() {
		var cursor uint64
		for {
			keys, next, err := c.rdb.Scan(ctx, cursor, glob, 100).Result()
			if err != nil {
				c.markDegraded(err)
				break
			}
			if len(keys) > 0 {
				if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
					c.markDegraded(err)
					break
				}
			}
			cursor = next
			if cursor == 0 {
				c.markHealthy()
				break
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.memoryStore {
		if matchGlob(glob, k) {
			delete(c.memoryStore, k)
		}
	}
}

// matchGlob supports the single "*" wildcard forms Redis SCAN patterns
// use in practice here: "prefix:*", "*:suffix", exact match.
func matchGlob(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	parts := strings.SplitN(pattern, "*", 2)
	return strings.HasPrefix(s, parts[0]) && strings.HasSuffix(s, parts[1])
}

// GetOrCompute returns the cached value if present, otherwise calls
// compute, stores the result (best-effort), and returns it.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc, out any) error {
	err := c.Get(ctx, key, out)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrMiss) {
		return err
	}

	value, err := compute(ctx)
	if err != nil {
		return err
	}
	c.Set(ctx, key, value, ttl)

	// Round-trip through JSON so out is populated the same way a cache
	// hit would populate it.
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
