package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable signals that the shared counter store could not serve the
// operation (connection refused, timeout, protocol error). Callers treat it
// as a fail-open condition, never as a request-path fault.
var ErrUnavailable = errors.New("counter store unavailable")

// TTL sentinel values, mirroring Redis semantics.
const (
	TTLNone    = time.Duration(-1) // key exists but has no expiry
	TTLMissing = time.Duration(-2) // key does not exist
)

// Counters is the shared counter store interface. All cross-process counter
// state goes through here. Implementations must be safe for concurrent use
// and must report infrastructure faults as ErrUnavailable.
type Counters interface {
	Incr(ctx context.Context, key string) (int64, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// RedisCounters implements Counters using go-redis/v9. Every operation runs
// under a bounded timeout so a stalled store degrades to ErrUnavailable
// instead of holding request goroutines.
type RedisCounters struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisCounters creates a RedisCounters from a Redis URL.
func NewRedisCounters(redisURL string, opTimeout time.Duration) (*RedisCounters, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &RedisCounters{client: redis.NewClient(opts), opTimeout: opTimeout}, nil
}

// Close releases the underlying connection pool.
func (c *RedisCounters) Close() error {
	return c.client.Close()
}

// Available reports whether the store currently answers pings.
func (c *RedisCounters) Available(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

func (c *RedisCounters) Ping(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (c *RedisCounters) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// IncrWithExpiry increments the key and refreshes its expiry in one pipeline.
// Suitable for counters whose TTL outlives their read window (health buckets);
// fixed-window rate limiting uses Incr + Expire + TTL instead so the window
// is never extended by traffic.
func (c *RedisCounters) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable(err)
	}
	return incr.Val(), nil
}

func (c *RedisCounters) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (c *RedisCounters) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	d, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return d, nil
}

func (c *RedisCounters) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(err)
	}
	return val, true, nil
}

func (c *RedisCounters) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (c *RedisCounters) Delete(ctx context.Context, key string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (c *RedisCounters) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
