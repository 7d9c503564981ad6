package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options configures the Redis connection shared by the event source and the metadata cache.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Client wraps the Redis client used for the upstream event feed (Pub/Sub) and the metadata cache.
type Client struct {
	client *redis.Client
	logger *zap.Logger
}

// NewClient connects to Redis and verifies the connection with a PING.
func NewClient(ctx context.Context, opts Options, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB))

	return &Client{
		client: rdb,
		logger: logger,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// GetClient returns the underlying Redis client.
func (c *Client) GetClient() *redis.Client {
	return c.client
}

// Publish publishes a message to a Redis Pub/Sub channel and returns the number of
// subscribers that received it.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) (int64, error) {
	receivers, err := c.client.Publish(ctx, channel, message).Result()
	if err != nil {
		c.logger.Warn("Failed to publish Redis message",
			zap.String("channel", channel),
			zap.Error(err))
		return 0, err
	}
	return receivers, nil
}

// Subscribe subscribes to one or more Redis Pub/Sub channels.
// The caller is responsible for closing the returned PubSub.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	c.logger.Debug("Subscribing to Redis channels", zap.Strings("channels", channels))
	return c.client.Subscribe(ctx, channels...)
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// NewFromClient wraps an existing go-redis client without pinging it.
func NewFromClient(rdb *redis.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{client: rdb, logger: logger}
}
