package redishost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/paystream/streamsessions-go/sessions"
)

// Config for the Redis-backed registry. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all registry keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=streamsessions:"`
}

// txRetries bounds the optimistic WATCH retry loop. Contention on a single
// user key is rare (the coordinator serializes per user already), so a
// small bound suffices.
const txRetries = 8

type Host struct {
	client    *redis.Client
	keyPrefix string
}

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "streamsessions:"
	}
	return &Host{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) userKey(user string) string { return h.keyPrefix + "user:" + user }

func (h *Host) CreateSession(ctx context.Context, rec *sessions.SessionRecord) error {
	key := h.userKey(rec.User)
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	txn := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var existing sessions.SessionRecord
			if uerr := json.Unmarshal(cur, &existing); uerr == nil && existing.Status.Occupying() {
				return sessions.ErrSessionExists
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}
	return h.watch(ctx, txn, key)
}

func (h *Host) GetSession(ctx context.Context, user string) (*sessions.SessionRecord, error) {
	data, err := h.client.Get(ctx, h.userKey(user)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sessions.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec sessions.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &rec, nil
}

func (h *Host) MutateSession(ctx context.Context, user string, fn func(*sessions.SessionRecord) error) error {
	key := h.userKey(user)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return sessions.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		var rec sessions.SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		payload, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}
	return h.watch(ctx, txn, key)
}

func (h *Host) DeleteSession(ctx context.Context, user string) error {
	return h.client.Del(ctx, h.userKey(user)).Err()
}

func (h *Host) ListSessions(ctx context.Context) ([]*sessions.SessionRecord, error) {
	var out []*sessions.SessionRecord
	iter := h.client.Scan(ctx, 0, h.keyPrefix+"user:*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := h.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, err
		}
		var rec sessions.SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		out = append(out, &rec)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// watch runs txn under WATCH on key, retrying on optimistic conflicts.
func (h *Host) watch(ctx context.Context, txn func(*redis.Tx) error, key string) error {
	for i := 0; i < txRetries; i++ {
		err := h.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session write for %s: too many conflicts", key)
}

// Ensure interface compliance
var _ sessions.Host = (*Host)(nil)
