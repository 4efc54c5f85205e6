// Package redis adapts the host automation framework's persisted-state
// and command-list contract (spec 6, "the enclosing host") onto a Redis
// instance: per-device hash fields for published values/catalogs/
// statistics, pub/sub notification on value change, and a blocking list
// pop for the user command surface.
package redis

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client with the small set of operations the
// Decode Sink, DID Catalog, and Command Queue need.
type Client struct {
	client *redis.Client
	ctx    context.Context
}

// New connects to addr and verifies it with a PING before returning.
func New(addr string, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &Client{
		client: client,
		ctx:    ctx,
	}, nil
}

// WriteString writes a string value to Redis.
func (c *Client) WriteString(key, field, value string) error {
	return c.client.HSet(c.ctx, key, field, value).Err()
}

// WriteAndPublishString writes a string value and publishes it on the key
// channel in one pipeline, the way every published DID view needs to
// both persist and notify subscribers atomically.
func (c *Client) WriteAndPublishString(key, field, value string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, key, field, value)
	pipe.Publish(c.ctx, key, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(c.ctx)
	return err
}

// WriteInt writes an integer value to Redis.
func (c *Client) WriteInt(key, field string, value int) error {
	return c.client.HSet(c.ctx, key, field, value).Err()
}

// WriteAndPublishInt writes an integer value and publishes it.
func (c *Client) WriteAndPublishInt(key, field string, value int) error {
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, key, field, value)
	pipe.Publish(c.ctx, key, fmt.Sprintf("%s:%d", field, value))
	_, err := pipe.Exec(c.ctx)
	return err
}

// WriteAndPublishFloat writes a float value and publishes it; used for
// scaled_float-decoded DIDs (spec 4.3: "numeric leaves as numbers").
func (c *Client) WriteAndPublishFloat(key, field string, value float64) error {
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, key, field, value)
	pipe.Publish(c.ctx, key, fmt.Sprintf("%s:%v", field, value))
	_, err := pipe.Exec(c.ctx)
	return err
}

// GetString gets a string value from Redis — used to read a stored
// catalog snapshot's version and per-DID codec name/symbolic id back
// out on startup (spec 4.4).
func (c *Client) GetString(key, field string) (string, error) {
	val, err := c.client.HGet(c.ctx, key, field).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("key %s field %s not found", key, field)
	}
	return val, err
}

// GetInt gets an integer value from Redis — used to read a stored
// catalog snapshot's per-DID declared length back out on startup
// (spec 4.4).
func (c *Client) GetInt(key, field string) (int, error) {
	val, err := c.client.HGet(c.ctx, key, field).Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("key %s field %s not found", key, field)
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(val)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// HDel deletes a field from a hash — used to pre-delete stale published
// tree nodes on a catalog structural diff (spec 4.4).
func (c *Client) HDel(key, field string) (int64, error) {
	return c.client.HDel(c.ctx, key, field).Result()
}

// HGetAll returns every field/value pair under a hash key, used when
// loading a previously-stored catalog snapshot for a structural diff.
func (c *Client) HGetAll(key string) (map[string]string, error) {
	return c.client.HGetAll(c.ctx, key).Result()
}

// BRPop blocks up to timeout (0 = forever) popping the user command
// surface's list, mirroring the teacher's WatchRedisCommands loop.
func (c *Client) BRPop(timeout time.Duration, key string) ([]string, error) {
	result, err := c.client.BRPop(c.ctx, timeout, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		log.Printf("Error during BRPOP on key %s: %v", key, err)
		return nil, err
	}
	if len(result) != 2 {
		log.Printf("Unexpected result length from BRPOP on key %s: %d", key, len(result))
		return nil, fmt.Errorf("unexpected result from BRPOP: %v", result)
	}
	return result, nil
}
