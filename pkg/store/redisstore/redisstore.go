// Package redisstore implements the shared coordination store on Redis.
package redisstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis"

	"github.com/berstock227/demoE5/pkg/store"
)

type Config struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration
}

type Client struct {
	rdb       *redis.Client
	opTimeout time.Duration
	logger    *slog.Logger
}

var _ store.Store = (*Client)(nil)

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping().Err(); err != nil {
		return nil, err
	}
	return &Client{
		rdb:       rdb,
		opTimeout: cfg.OpTimeout,
		logger:    logger.With(slog.String("component", "redis_store")),
	}, nil
}

// bound wraps the caller context with the configured per-operation timeout.
func (c *Client) bound(ctx context.Context) (*redis.Client, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return c.rdb.WithContext(ctx), func() {}
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	return c.rdb.WithContext(opCtx), cancel
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rdb, cancel := c.bound(ctx)
	defer cancel()
	return rdb.Set(key, value, ttl).Err()
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	rdb, cancel := c.bound(ctx)
	defer cancel()
	data, err := rdb.Get(key).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	rdb, cancel := c.bound(ctx)
	defer cancel()
	return rdb.Del(key).Err()
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	rdb, cancel := c.bound(ctx)
	defer cancel()
	return rdb.Expire(key, ttl).Err()
}

func (c *Client) SetAdd(ctx context.Context, key, member string) error {
	rdb, cancel := c.bound(ctx)
	defer cancel()
	return rdb.SAdd(key, member).Err()
}

func (c *Client) SetRemove(ctx context.Context, key, member string) error {
	rdb, cancel := c.bound(ctx)
	defer cancel()
	return rdb.SRem(key, member).Err()
}

func (c *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	rdb, cancel := c.bound(ctx)
	defer cancel()
	return rdb.SMembers(key).Result()
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	rdb, cancel := c.bound(ctx)
	defer cancel()
	return rdb.Publish(channel, payload).Err()
}

// Subscribe opens a dedicated pubsub connection for the channel and pumps
// messages to the handler until the subscription is closed.
func (c *Client) Subscribe(channel string, handler store.Handler) (store.Subscription, error) {
	pubsub := c.rdb.Subscribe(channel)
	// Force the subscription to be established before returning so callers
	// don't race their first publish against it.
	if _, err := pubsub.Receive(); err != nil {
		pubsub.Close()
		return nil, err
	}

	go func() {
		for msg := range pubsub.Channel() {
			handler(msg.Channel, []byte(msg.Payload))
		}
		c.logger.Debug("Subscription channel closed", slog.String("channel", channel))
	}()

	return &subscription{pubsub: pubsub}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

type subscription struct {
	pubsub *redis.PubSub
}

func (s *subscription) Close() error {
	return s.pubsub.Close()
}
