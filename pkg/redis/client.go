// Package redis connects the distributed business locks to Redis.
package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"
)

const connectTimeout = 5 * time.Second

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr is host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type Client struct {
	rdb    *redis.Client
	addr   string
	logger ectologger.Logger
}

// NewClient dials Redis and fails unless a ping succeeds within five seconds.
func NewClient(ctx context.Context, cfg Config, logger ectologger.Logger) (*Client, error) {
	c := NewClientWithRedis(redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: connectTimeout,
	}), cfg.Addr(), logger)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis at %s unreachable: %w", c.addr, err)
	}

	logger.WithContext(ctx).WithFields(map[string]any{"addr": c.addr, "db": cfg.DB}).Info("Connected to Redis")
	return c, nil
}

// NewClientWithRedis wraps an existing go-redis client.
func NewClientWithRedis(rdb *redis.Client, addr string, logger ectologger.Logger) *Client {
	return &Client{rdb: rdb, addr: addr, logger: logger}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Redis exposes the go-redis client for the lock backend.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Ping doubles as the health check.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
