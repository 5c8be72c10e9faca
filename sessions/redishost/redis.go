package redishost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/mcpkit/compose-go/sessions"
	"github.com/redis/go-redis/v9"
)

// Config for Redis-backed SessionHost. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
}

type Host struct {
	client    *redis.Client
	keyPrefix string
}

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		// Allow default via envdecode-style tag fallback for external consumers
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:sessions:"
	}
	return &Host{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	// Use envdecode; defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }
func (h *Host) metaKey(sessionID string) string   { return h.keyPrefix + "meta:" + sessionID }
func (h *Host) topicKey(topic string) string      { return h.keyPrefix + "topic:" + topic }

// --- Messaging via Redis Streams ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	id, err := h.client.XAdd(ctx, &redis.XAddArgs{Stream: h.streamKey(sessionID), Values: map[string]interface{}{"d": data}}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	key := h.streamKey(sessionID)
	start := lastEventID
	if start == "" {
		start = "$"
	} // start from next message

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 1, Block: 500 * time.Millisecond}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return err
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			continue
		}
		for _, m := range res[0].Messages {
			start = m.ID
			if err := handler(ctx, m.ID, streamPayload(m)); err != nil {
				return err
			}
		}
	}
}

// streamPayload decodes the "d" field of a stream entry, accepting string or
// []byte representations.
func streamPayload(m redis.XMessage) []byte {
	switch v := m.Values["d"].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		// Fallback: best-effort formatting
		return []byte(fmt.Sprintf("%v", v))
	}
}

// --- Events via topic streams ---

func (h *Host) PublishEvent(ctx context.Context, topic string, payload []byte) error {
	key := h.topicKey(topic)
	if err := h.client.XAdd(ctx, &redis.XAddArgs{Stream: key, MaxLen: 4096, Approx: true, Values: map[string]interface{}{"d": payload}}).Err(); err != nil {
		return err
	}
	return nil
}

func (h *Host) SubscribeEvents(ctx context.Context, topic string, handler sessions.EventHandlerFunction) error {
	key := h.topicKey(topic)

	// Resolve the current tail before returning so that events published
	// after this call are never missed by the consumer goroutine.
	start := "0-0"
	if tail, err := h.client.XRevRangeN(ctx, key, "+", "-", 1).Result(); err == nil && len(tail) > 0 {
		start = tail[0].ID
	}

	go func() {
		last := start
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, last}, Count: 16, Block: 500 * time.Millisecond}).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				// Transient read failure; back off briefly and retry.
				time.Sleep(100 * time.Millisecond)
				continue
			}
			if len(res) == 0 {
				continue
			}
			for _, m := range res[0].Messages {
				last = m.ID
				if err := handler(ctx, streamPayload(m)); err != nil {
					return
				}
			}
		}
	}()

	return nil
}

// --- Metadata ---

func (h *Host) CreateSession(ctx context.Context, meta *sessions.SessionMetadata) error {
	if meta == nil || meta.SessionID == "" {
		return fmt.Errorf("session metadata requires a session id")
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	ok, err := h.client.SetNX(ctx, h.metaKey(meta.SessionID), b, metaExpiry(meta)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return sessions.ErrSessionExists
	}
	return nil
}

func (h *Host) GetSession(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	b, err := h.client.Get(ctx, h.metaKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, err
	}
	var meta sessions.SessionMetadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal session metadata: %w", err)
	}
	// Key TTL approximates the sliding window but MaxLifetime needs a check
	// against the stored record.
	if meta.Expired(time.Now()) {
		_ = h.client.Del(context.WithoutCancel(ctx), h.metaKey(sessionID)).Err()
		return nil, sessions.ErrSessionNotFound
	}
	return &meta, nil
}

func (h *Host) MutateSession(ctx context.Context, sessionID string, mutate func(meta *sessions.SessionMetadata) error) error {
	// Optimistic read/modify/write. Sessions are touched by a single client
	// in practice; last-writer-wins is acceptable for metadata.
	meta, err := h.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := mutate(meta); err != nil {
		return err
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	return h.client.Set(ctx, h.metaKey(sessionID), b, metaExpiry(meta)).Err()
}

func (h *Host) TouchSession(ctx context.Context, sessionID string) error {
	return h.MutateSession(ctx, sessionID, func(meta *sessions.SessionMetadata) error {
		meta.LastAccess = time.Now().UTC()
		return nil
	})
}

func (h *Host) DeleteSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	_, err := h.client.Del(c, h.metaKey(sessionID), h.streamKey(sessionID)).Result()
	return err
}

// metaExpiry computes the Redis key TTL for a metadata record: the sliding
// TTL, capped by any remaining absolute lifetime.
func metaExpiry(meta *sessions.SessionMetadata) time.Duration {
	ttl := meta.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	if meta.MaxLifetime > 0 {
		remaining := time.Until(meta.CreatedAt.Add(meta.MaxLifetime))
		if remaining <= 0 {
			return time.Second
		}
		if remaining < ttl {
			return remaining
		}
	}
	return ttl
}

// Interface compliance
var _ sessions.SessionHost = (*Host)(nil)
