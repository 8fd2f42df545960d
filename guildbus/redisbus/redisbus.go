// Package redisbus implements guildbus.Bus on Redis Streams. Each guild maps
// to one stream, so ordering and resume positions are shared by every
// gateway process connected to the same Redis.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/guild-gateway-go/guildbus"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "gateway:guilds:"

// Bus is a Redis Streams backed guildbus.Bus.
type Bus struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	block     time.Duration
}

// Config contains configuration options for the Redis bus.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the bus.
	KeyPrefix string
	// MaxLen caps each guild stream (approximately). Zero keeps every message.
	MaxLen int64
	// Block is how long a single XREAD waits before the subscription loop
	// re-checks its context. Defaults to one second.
	Block time.Duration
}

// New creates a Redis-backed bus.
func New(cfg Config) (*Bus, error) {
	if cfg.Client == nil {
		return nil, errors.New("redisbus: client is required")
	}
	b := &Bus{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		maxLen:    cfg.MaxLen,
		block:     cfg.Block,
	}
	if b.keyPrefix == "" {
		b.keyPrefix = DefaultKeyPrefix
	}
	if b.block <= 0 {
		b.block = time.Second
	}
	return b, nil
}

// Close closes the Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish implements guildbus.Bus.
func (b *Bus) Publish(ctx context.Context, guildID string, data []byte) (string, error) {
	streamKey := b.streamKey(guildID)
	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{"data": data},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	eventID, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", streamKey, err)
	}
	return eventID, nil
}

// Subscribe implements guildbus.Bus.
func (b *Bus) Subscribe(ctx context.Context, guildID string, lastEventID string, handler guildbus.MessageHandler) error {
	streamKey := b.streamKey(guildID)

	var startID string
	if lastEventID != "" {
		if !validStreamID(lastEventID) {
			return fmt.Errorf("%w: %q in guild %s", guildbus.ErrUnknownEventID, lastEventID, guildID)
		}
		startID = lastEventID
	} else {
		// Pin the current tip. Re-reading from "$" after each idle block
		// would skip anything published between two reads.
		tip, err := b.tip(ctx, streamKey)
		if err != nil {
			return err
		}
		startID = tip
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// No consumer group: every subscriber sees every message.
		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, startID},
			Count:   16,
			Block:   b.block,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("failed to read from stream %s: %w", streamKey, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				startID = message.ID
				data, ok := message.Values["data"].(string)
				if !ok {
					continue
				}
				if err := handler(ctx, guildbus.MessageEnvelope{ID: message.ID, Data: []byte(data)}); err != nil {
					return err
				}
			}
		}
	}
}

// tip returns the id of the newest entry in the stream, or "0-0" when the
// stream is empty or does not exist yet.
func (b *Bus) tip(ctx context.Context, streamKey string) (string, error) {
	last, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to read tip of stream %s: %w", streamKey, err)
	}
	if len(last) == 0 {
		return "0-0", nil
	}
	return last[0].ID, nil
}

// Cleanup implements guildbus.Bus.
func (b *Bus) Cleanup(ctx context.Context, guildID string) error {
	if err := b.client.Del(ctx, b.streamKey(guildID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup guild %s: %w", guildID, err)
	}
	return nil
}

func (b *Bus) streamKey(guildID string) string {
	return b.keyPrefix + "stream:" + guildID
}

// validStreamID reports whether id has the <ms>-<seq> shape of a stream
// entry ID.
func validStreamID(id string) bool {
	ms, seq, ok := strings.Cut(id, "-")
	return ok && allDigits(ms) && allDigits(seq)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var _ guildbus.Bus = (*Bus)(nil)
