package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"veydha/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// Client is the service's shared redis connection. Every key and channel is
// namespaced with the configured prefix so several deployments can share
// one redis.
type Client struct {
	inner  *redis.Client
	prefix string
}

// ErrCacheMiss mirrors redis.Nil for callers.
var ErrCacheMiss = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

// NewRedisClient dials redis from app config and verifies the connection.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	rc := cfg.Redis
	if rc.Host == "" {
		rc.Host = "127.0.0.1"
	}
	if rc.Port == 0 {
		rc.Port = 6379
	}
	addr := fmt.Sprintf("%s:%d", rc.Host, rc.Port)

	inner := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := inner.Ping(ctx).Err(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &Client{inner: inner, prefix: rc.KeyPrefix}, nil
}

func (c *Client) ready() bool {
	return c != nil && c.inner != nil
}

func (c *Client) key(k string) string {
	return c.prefix + k
}

func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.ready() {
		return errNotInitialized
	}
	return c.inner.Set(ctx, c.key(key), value, ttl).Err()
}

// Get returns ErrCacheMiss for a missing key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if !c.ready() {
		return "", errNotInitialized
	}
	return c.inner.Get(ctx, c.key(key)).Result()
}

// SetJSON stores v encoded as JSON.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// GetJSON decodes the value at key into dst.
func (c *Client) GetJSON(ctx context.Context, key string, dst any) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if !c.ready() {
		return errNotInitialized
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.inner.Del(ctx, full...).Err()
}

// Publish sends payload encoded as JSON on channel.
func (c *Client) Publish(ctx context.Context, channel string, payload any) error {
	if !c.ready() {
		return errNotInitialized
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", channel, err)
	}
	return c.inner.Publish(ctx, c.key(channel), data).Err()
}

// Subscribe opens a pub/sub subscription. Callers close it.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	if !c.ready() {
		return nil, errNotInitialized
	}
	full := make([]string, len(channels))
	for i, ch := range channels {
		full[i] = c.key(ch)
	}
	return c.inner.Subscribe(ctx, full...), nil
}

// Ping checks the connection. Used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if !c.ready() {
		return errNotInitialized
	}
	return c.inner.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if !c.ready() {
		return nil
	}
	return c.inner.Close()
}
