// Package cache mirrors oracle snapshots into Redis and provides a
// cross-replica tick lease.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegis-decision-engine/autorule/internal/models"
)

const keyPrefix = "autorule:"

// Client wraps Redis client
type Client struct {
	client *redis.Client
}

// NewClient creates a new Redis cache client
func NewClient(addr string) (*Client, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		opt = &redis.Options{
			Addr: addr,
		}
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{client: client}, nil
}

// NewFromRedis wraps an existing client
func NewFromRedis(client *redis.Client) *Client {
	return &Client{client: client}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

func snapshotKey(t models.OracleType) string {
	return keyPrefix + "oracle:" + string(t)
}

// SaveSnapshot stores a snapshot. The key expires after twice the oracle
// TTL; readers still apply the TTL against FetchedAt.
func (c *Client) SaveSnapshot(ctx context.Context, snap *models.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	expiry := 2 * ttl
	if ttl <= 0 {
		expiry = 0
	}
	return c.client.Set(ctx, snapshotKey(snap.Type), data, expiry).Err()
}

// LoadSnapshot retrieves a mirrored snapshot
func (c *Client) LoadSnapshot(ctx context.Context, t models.OracleType) (*models.Snapshot, error) {
	data, err := c.client.Get(ctx, snapshotKey(t)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrSnapshotNotFound
		}
		return nil, err
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// AcquireTickLease claims the named lease for ttl. It returns false when
// another holder has it, so only one replica runs a given tick.
func (c *Client) AcquireTickLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, keyPrefix+"lease:"+name, holder, ttl).Result()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseTickLease drops the lease if holder still owns it
func (c *Client) ReleaseTickLease(ctx context.Context, name, holder string) error {
	return releaseScript.Run(ctx, c.client, []string{keyPrefix + "lease:" + name}, holder).Err()
}

// Health checks Redis health
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
