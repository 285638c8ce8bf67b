// Package redis provides Redis client and caching operations for the job
// pool. It handles worker eligibility, submission rate limiting, payload
// caching, and counters.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a requested key does not exist
var ErrNotFound = fmt.Errorf("redis: key not found")

// Client wraps Redis operations for the job pool
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// NewClientFromURL creates a new Redis client from a connection URL
func NewClientFromURL(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Worker eligibility

// BanWorker marks a worker ineligible for the given duration
func (c *Client) BanWorker(ctx context.Context, workerID string, duration time.Duration) error {
	key := fmt.Sprintf("ban:%s", workerID)
	if err := c.rdb.Set(ctx, key, time.Now().Unix(), duration).Err(); err != nil {
		return fmt.Errorf("failed to ban worker: %w", err)
	}
	return nil
}

// UnbanWorker restores a worker's eligibility
func (c *Client) UnbanWorker(ctx context.Context, workerID string) error {
	key := fmt.Sprintf("ban:%s", workerID)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to unban worker: %w", err)
	}
	return nil
}

// IsBanned reports whether a worker is currently ineligible
func (c *Client) IsBanned(ctx context.Context, workerID string) (bool, error) {
	key := fmt.Sprintf("ban:%s", workerID)
	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check worker ban: %w", err)
	}
	return exists > 0, nil
}

// Payload cache

// SetPayload caches a canonical submission payload under its fingerprint
func (c *Client) SetPayload(ctx context.Context, fingerprint string, payload []byte, expiration time.Duration) error {
	key := fmt.Sprintf("payload:%s", fingerprint)
	if err := c.rdb.Set(ctx, key, payload, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set payload: %w", err)
	}
	return nil
}

// GetPayload retrieves a cached payload by fingerprint
func (c *Client) GetPayload(ctx context.Context, fingerprint string) ([]byte, error) {
	key := fmt.Sprintf("payload:%s", fingerprint)
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payload: %w", err)
	}
	return data, nil
}

// Challenge cache

// SetChallenge caches an active challenge with expiration
func (c *Client) SetChallenge(ctx context.Context, challengeID string, data any, expiration time.Duration) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge data: %w", err)
	}

	key := fmt.Sprintf("challenge:%s", challengeID)
	if err := c.rdb.Set(ctx, key, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set challenge: %w", err)
	}

	return nil
}

// GetChallenge retrieves a cached challenge
func (c *Client) GetChallenge(ctx context.Context, challengeID string, dest any) error {
	key := fmt.Sprintf("challenge:%s", challengeID)
	jsonData, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get challenge: %w", err)
	}

	if err := json.Unmarshal([]byte(jsonData), dest); err != nil {
		return fmt.Errorf("failed to unmarshal challenge data: %w", err)
	}

	return nil
}

// DeleteChallenge removes a cached challenge
func (c *Client) DeleteChallenge(ctx context.Context, challengeID string) error {
	key := fmt.Sprintf("challenge:%s", challengeID)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

// Statistics and counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// Rate limiting

// CheckRateLimit checks if an action is rate limited
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}

	return incrCmd.Val() <= limit, nil
}

// CheckSubmissionRate checks the per-worker submission rate limit
func (c *Client) CheckSubmissionRate(ctx context.Context, workerID string, limit int64, window time.Duration) (bool, error) {
	key := fmt.Sprintf("ratelimit:submissions:%s", workerID)
	return c.CheckRateLimit(ctx, key, limit, window)
}
