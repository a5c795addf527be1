package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/jubensha/internal/game"
	"github.com/MrWong99/jubensha/internal/observe"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "jubensha:session:"

	defaultHistoryLen = 200
	defaultHistoryTTL = 24 * time.Hour
)

// Channel returns the Redis pub/sub channel for sessionID.
func Channel(sessionID string) string {
	return channelPrefix + sessionID
}

// HistoryKey returns the Redis list caching the chat of sessionID.
func HistoryKey(sessionID string) string {
	return channelPrefix + sessionID + ":chat"
}

// redisClient is the subset of [redis.Cmdable] the publisher needs.
type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

var _ redisClient = (*redis.Client)(nil)

// RedisPublisher publishes session events to Redis and keeps a bounded
// per-session list of chat events.
type RedisPublisher struct {
	client     redisClient
	historyLen int64
	historyTTL time.Duration
}

// RedisOption configures a [RedisPublisher].
type RedisOption func(*RedisPublisher)

// WithHistory sets how many chat events are cached per session and for how
// long. A zero length disables the cache.
func WithHistory(n int, ttl time.Duration) RedisOption {
	return func(p *RedisPublisher) {
		p.historyLen = int64(n)
		p.historyTTL = ttl
	}
}

// NewRedisPublisher wraps an existing client. The caller owns the client.
func NewRedisPublisher(client *redis.Client, opts ...RedisOption) *RedisPublisher {
	return newRedisPublisher(client, opts...)
}

func newRedisPublisher(client redisClient, opts ...RedisOption) *RedisPublisher {
	p := &RedisPublisher{
		client:     client,
		historyLen: defaultHistoryLen,
		historyTTL: defaultHistoryTTL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Publish sends ev to the session channel. Chat events are also appended
// to the session history.
func (p *RedisPublisher) Publish(ctx context.Context, ev game.ChatEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("broadcast: encode event: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(ev.SessionID), data).Err(); err != nil {
		return fmt.Errorf("broadcast: redis publish: %w", err)
	}

	if ev.Type != game.EventChat || p.historyLen <= 0 {
		return nil
	}
	key := HistoryKey(ev.SessionID)
	if err := p.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("broadcast: redis history: %w", err)
	}
	if err := p.client.LTrim(ctx, key, -p.historyLen, -1).Err(); err != nil {
		return fmt.Errorf("broadcast: redis history trim: %w", err)
	}
	if p.historyTTL > 0 {
		if err := p.client.Expire(ctx, key, p.historyTTL).Err(); err != nil {
			return fmt.Errorf("broadcast: redis history expire: %w", err)
		}
	}
	return nil
}

// History returns up to limit cached chat events of sessionID, oldest
// first. Undecodable entries are skipped.
func (p *RedisPublisher) History(ctx context.Context, sessionID string, limit int) ([]game.ChatEvent, error) {
	if limit <= 0 {
		limit = int(p.historyLen)
	}
	raw, err := p.client.LRange(ctx, HistoryKey(sessionID), -int64(limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("broadcast: redis history: %w", err)
	}
	out := make([]game.ChatEvent, 0, len(raw))
	for _, s := range raw {
		var ev game.ChatEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			observe.Logger(ctx).Warn("skipping undecodable cached event", "session_id", sessionID, "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Ping checks the Redis connection. It satisfies [health.Pinger].
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Relay copies events published by any instance into a local [Hub].
type Relay struct {
	client *redis.Client
	hub    *Hub
}

// NewRelay returns a relay from client into hub.
func NewRelay(client *redis.Client, hub *Hub) *Relay {
	return &Relay{client: client, hub: hub}
}

// Run subscribes to every session channel and forwards events until ctx is
// cancelled.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("broadcast: redis subscribe: %w", err)
	}
	observe.Logger(ctx).Info("redis relay subscribed", "pattern", channelPrefix+"*")

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.forward(ctx, msg)
		}
	}
}

func (r *Relay) forward(ctx context.Context, msg *redis.Message) {
	sessionID := strings.TrimPrefix(msg.Channel, channelPrefix)
	var ev game.ChatEvent
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		observe.Logger(ctx).Warn("dropping undecodable relay message", "channel", msg.Channel, "error", err)
		return
	}
	if ev.SessionID == "" {
		ev.SessionID = sessionID
	}
	if err := r.hub.Publish(ctx, ev); err != nil {
		observe.Logger(ctx).Debug("relay publish failed", "session_id", ev.SessionID, "error", err)
	}
}
