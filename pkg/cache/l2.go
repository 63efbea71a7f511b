package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pixelmint/gatekeeper/pkg/access"
)

// RedisConfig holds L2 connection configuration.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns L2 settings tuned for the authorization
// read path: short socket timeouts so a slow Redis degrades to a miss
// instead of consuming the latency budget.
func DefaultRedisConfig(addr string) RedisConfig {
	return RedisConfig{
		Addr:         addr,
		PoolSize:     50,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
	}
}

// RedisCache is the L2 distributed decision cache. It also carries the
// identity session cache and the view bypass markers, which need the
// same cross-node visibility.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(config RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client, used by tests with
// miniredis.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Client exposes the underlying client for health checks.
func (c *RedisCache) Client() *redis.Client { return c.client }

// GetDecision returns the cached decision for key. A missing key is
// (zero, false, nil); transport failures surface as
// ErrCacheTierUnavailable so the orchestrator can treat them as misses.
func (c *RedisCache) GetDecision(ctx context.Context, key string) (access.Decision, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return access.Decision{}, false, nil
	}
	if err != nil {
		return access.Decision{}, false, fmt.Errorf("%w: l2 get: %v", access.ErrCacheTierUnavailable, err)
	}

	var decision access.Decision
	if err := json.Unmarshal(data, &decision); err != nil {
		// A corrupt entry is worse than a miss; drop it.
		c.client.Del(ctx, key)
		return access.Decision{}, false, nil
	}
	if decision.Expired(time.Now()) {
		c.client.Del(ctx, key)
		return access.Decision{}, false, nil
	}
	return decision, true, nil
}

// SetDecision stores a decision with the given TTL.
func (c *RedisCache) SetDecision(ctx context.Context, key string, decision access.Decision, ttl time.Duration) error {
	data, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: l2 set: %v", access.ErrCacheTierUnavailable, err)
	}
	return nil
}

// DeletePattern SCAN-deletes every key matching the glob pattern and
// returns the number deleted. SCAN keeps the deletion incremental so a
// wide pattern does not block Redis.
func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	iter := c.client.Scan(ctx, 0, pattern, 200).Iterator()

	batch := make([]string, 0, 200)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Del(ctx, batch...).Result()
		deleted += int(n)
		batch = batch[:0]
		return err
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 200 {
			if err := flush(); err != nil {
				return deleted, fmt.Errorf("%w: l2 delete: %v", access.ErrCacheTierUnavailable, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("%w: l2 scan: %v", access.ErrCacheTierUnavailable, err)
	}
	if err := flush(); err != nil {
		return deleted, fmt.Errorf("%w: l2 delete: %v", access.ErrCacheTierUnavailable, err)
	}
	return deleted, nil
}

// invalidationChannel carries purge patterns between nodes. L1 is
// per-process, so every node must drop its own matching entries when
// any node acknowledges an invalidation.
const invalidationChannel = "authz:invalidate"

// PublishInvalidation broadcasts a purge pattern to all subscribed
// nodes.
func (c *RedisCache) PublishInvalidation(ctx context.Context, pattern string) error {
	if err := c.client.Publish(ctx, invalidationChannel, pattern).Err(); err != nil {
		return fmt.Errorf("%w: publish invalidation: %v", access.ErrCacheTierUnavailable, err)
	}
	return nil
}

// SubscribeInvalidations opens the purge-pattern subscription. The
// caller owns the returned subscription and must close it.
func (c *RedisCache) SubscribeInvalidations(ctx context.Context) *redis.PubSub {
	return c.client.Subscribe(ctx, invalidationChannel)
}

// SetBypassMarker makes reads for the scope skip the materialized view
// until ttl elapses or the next view refresh clears the markers.
func (c *RedisCache) SetBypassMarker(ctx context.Context, scope string, ttl time.Duration) error {
	if err := c.client.Set(ctx, bypassMarkerKey(scope), "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: bypass marker: %v", access.ErrCacheTierUnavailable, err)
	}
	return nil
}

// HasBypassMarker reports whether any of the scopes has an active bypass
// marker.
func (c *RedisCache) HasBypassMarker(ctx context.Context, scopes ...string) (bool, error) {
	if len(scopes) == 0 {
		return false, nil
	}
	keys := make([]string, len(scopes))
	for i, scope := range scopes {
		keys[i] = bypassMarkerKey(scope)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return false, fmt.Errorf("%w: bypass check: %v", access.ErrCacheTierUnavailable, err)
	}
	for _, v := range vals {
		if v != nil {
			return true, nil
		}
	}
	return false, nil
}

// ClearBypassMarkers removes all bypass markers, called after a view
// refresh has made the view rows current again.
func (c *RedisCache) ClearBypassMarkers(ctx context.Context) (int, error) {
	return c.DeletePattern(ctx, bypassMarkerKey("*"))
}

// GetBytes reads a raw value, shared by the identity session cache.
func (c *RedisCache) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get: %v", access.ErrCacheTierUnavailable, err)
	}
	return data, true, nil
}

// SetBytes writes a raw value with a TTL.
func (c *RedisCache) SetBytes(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set: %v", access.ErrCacheTierUnavailable, err)
	}
	return nil
}

// Delete removes a single key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: delete: %v", access.ErrCacheTierUnavailable, err)
	}
	return nil
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
