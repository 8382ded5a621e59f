package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "sqlchat:audit:"

// RedisConfig is read with envconfig under the AUDIT_REDIS prefix.
type RedisConfig struct {
	URL          string `split_words:"true"`
	ReadTimeout  int    `split_words:"true" default:"3"`
	WriteTimeout int    `split_words:"true" default:"3"`
	DialTimeout  int    `split_words:"true" default:"5"`
}

// LoadRedisConfig reads AUDIT_REDIS_* from the environment. A non-empty url
// overrides AUDIT_REDIS_URL.
func LoadRedisConfig(url string) (*RedisConfig, error) {
	var cfg RedisConfig
	if err := envconfig.Process("audit_redis", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load redis audit config: %w", err)
	}
	if url != "" {
		cfg.URL = url
	}
	if cfg.URL == "" {
		return nil, errors.New("redis audit sink requires a URL (audit.dsn or AUDIT_REDIS_URL)")
	}
	return &cfg, nil
}

// New connects and pings.
func (r *RedisConfig) New() (*redis.Client, error) {
	opts, err := redis.ParseURL(r.URL)
	if err != nil {
		return nil, err
	}

	opts.ReadTimeout = time.Duration(r.ReadTimeout) * time.Second
	opts.WriteTimeout = time.Duration(r.WriteTimeout) * time.Second
	opts.DialTimeout = time.Duration(r.DialTimeout) * time.Second

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// RedisSink appends JSON entries to a per-session list that expires after TTL.
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSink connects using cfg. A zero ttl keeps lists for a day.
func NewRedisSink(cfg *RedisConfig, ttl time.Duration) (*RedisSink, error) {
	client, err := cfg.New()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis audit sink: %w", err)
	}
	return newRedisSink(client, ttl), nil
}

func newRedisSink(client *redis.Client, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSink{client: client, ttl: ttl}
}

// Key returns the list key holding a session's entries.
func Key(sessionID string) string {
	return redisKeyPrefix + sessionID
}

// Record appends the entry and refreshes the expiry.
func (s *RedisSink) Record(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	key := Key(e.SessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push audit entry: %w", err)
	}
	return nil
}

// List returns the last limit entries of a session, oldest first.
func (s *RedisSink) List(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.client.LRange(ctx, Key(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
