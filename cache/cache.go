// Package cache provides the optional Redis collaborators: a TTL'd
// transformation-result cache and a pub/sub broadcaster. Both are
// performance layers, never sources of truth: every Redis failure degrades
// to a miss or a dropped event.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResultCache memoizes commit results by operation identity.
type ResultCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

func NewResultCache(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultCache{rdb: rdb, ttl: ttl, log: logger}
}

// Key derives the cache key from the room and the operation's identity.
func Key(roomID, operationID string) string {
	sum := sha256.Sum256([]byte(roomID + "|" + operationID))
	return "txc:" + hex.EncodeToString(sum[:])
}

// Get returns the cached value and whether it was present. Errors count as
// misses.
func (c *ResultCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug("result cache get failed", "key", key, "err", err)
		}
		return nil, false
	}
	return val, true
}

// Set stores a value; failures are logged and swallowed.
func (c *ResultCache) Set(ctx context.Context, key string, val []byte) {
	if err := c.rdb.Set(ctx, key, val, c.ttl).Err(); err != nil {
		c.log.Debug("result cache set failed", "key", key, "err", err)
	}
}

func (c *ResultCache) Close() error {
	return nil // the shared client is closed by its owner
}

// Broadcaster publishes engine and presence events on per-room channels and
// lets transport sessions subscribe to them, so fan-out crosses process
// boundaries.
type Broadcaster struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewBroadcaster(rdb *redis.Client, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{rdb: rdb, log: logger}
}

func channelFor(roomID string) string {
	return "room:" + roomID
}

// Publish sends one event to the room's channel. Delivery is best-effort.
func (b *Broadcaster) Publish(ctx context.Context, roomID string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelFor(roomID), payload).Err(); err != nil {
		b.log.Debug("event publish failed", "room", roomID, "err", err)
		return err
	}
	return nil
}

// Subscribe streams a room's events until ctx is canceled.
func (b *Broadcaster) Subscribe(ctx context.Context, roomID string) (<-chan []byte, func()) {
	pubsub := b.rdb.Subscribe(ctx, channelFor(roomID))
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = pubsub.Close() }
}
