// Package redis provides a storage.Storage shared across server replicas,
// backed by github.com/redis/go-redis/v9.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/amap-mcp-server-go/storage"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "amap-mcp:cache:"

// Config contains configuration options for the Redis storage.
type Config struct {
	Client *redis.Client

	// KeyPrefix is prepended to every key. Default: "amap-mcp:cache:".
	KeyPrefix string
}

// Storage implements storage.Storage on Redis strings with native expiry.
type Storage struct {
	client    *redis.Client
	keyPrefix string
}

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a Redis-backed storage.
func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	return &Storage{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewFromURL parses a redis:// URL, verifies connectivity and returns a
// Storage owning the client.
func NewFromURL(ctx context.Context, url string) (*Storage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(Config{Client: client})
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts...)
	k := s.buildKey(o.Namespace, key)

	raw, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", k, err)
	}

	var it storedItem
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, fmt.Errorf("decode cached item: %w", err)
	}
	item := &storage.Item{Data: it.Data, CreatedAt: it.CreatedAt, ExpiresAt: it.ExpiresAt}
	if item.IsExpired() {
		s.client.Del(ctx, k)
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	k := s.buildKey(o.Namespace, key)

	now := time.Now()
	it := storedItem{Data: data, CreatedAt: now}
	var ttl time.Duration
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		it.ExpiresAt = &exp
		ttl = *o.TTL
	}
	b, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("encode cached item: %w", err)
	}
	if err := s.client.Set(ctx, k, b, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", k, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if err := o.ValidateDelete(); err != nil {
		return err
	}
	if o.Key != nil {
		k := s.buildKey(o.Namespace, *o.Key)
		if err := s.client.Del(ctx, k).Err(); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
		return nil
	}

	pattern := s.buildKey(o.Namespace, "*")
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete namespace %s: %w", o.Namespace, err)
	}
	return nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) buildKey(ns, key string) string {
	if ns == "" {
		ns = "global"
	}
	return s.keyPrefix + ns + ":" + key
}

var _ storage.Storage = (*Storage)(nil)
