// Package cache wraps Redis for the two cross-process concerns the session
// router needs when more than one backend replica is running: publishing
// session-status transitions so every replica's in-memory viewers see them,
// and a counter used to throttle repeated permission-response retries.
// Redis is optional; with Enabled=false every method is a no-op so a
// single-replica deployment runs with no Redis at all.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

type Cache struct {
	client *redis.Client
}

func NewCache(config Config) (*Cache, error) {
	if !config.Enabled {
		return &Cache{client: nil}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,

		PoolSize:        25,
		MinIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return &Cache{client: client}, nil
}

func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Cache) IsEnabled() bool {
	return c.client != nil
}

// SessionStatusChannel is the pub/sub channel session routers publish
// SessionStatus transitions on, so that a viewer connected to a different
// replica than the session's proxy still observes status changes.
func SessionStatusChannel() string {
	return "session-status"
}

// StatusEvent is the payload published on SessionStatusChannel.
type StatusEvent struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// PublishStatus broadcasts a status transition to every other replica. A
// no-op when caching is disabled, since single-replica deployments have no
// other process to notify.
func (c *Cache) PublishStatus(ctx context.Context, event StatusEvent) error {
	if !c.IsEnabled() {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	if err := c.client.Publish(ctx, SessionStatusChannel(), data).Err(); err != nil {
		return fmt.Errorf("publish status event: %w", err)
	}
	return nil
}

// SubscribeStatus returns a channel of StatusEvent received from other
// replicas. The caller must range over it until ctx is done; decode errors
// are dropped rather than surfaced, since a malformed event from a peer
// should never take down this replica's subscriber loop.
func (c *Cache) SubscribeStatus(ctx context.Context) <-chan StatusEvent {
	out := make(chan StatusEvent)
	if !c.IsEnabled() {
		close(out)
		return out
	}

	sub := c.client.Subscribe(ctx, SessionStatusChannel())
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				out <- event
			}
		}
	}()
	return out
}

// AllowRetry implements a fixed-window counter: true if fewer than max
// attempts have been recorded for key within window. Used to throttle a
// viewer hammering PermissionResponse for a request the proxy already
// superseded.
func (c *Cache) AllowRetry(ctx context.Context, key string, max int64, window time.Duration) (bool, error) {
	if !c.IsEnabled() {
		return true, nil
	}
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("increment retry counter %s: %w", key, err)
	}
	if count == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("set retry counter expiry %s: %w", key, err)
		}
	}
	return count <= max, nil
}
