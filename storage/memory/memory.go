// Package memory provides a process-local storage.Storage backed by
// github.com/hashicorp/golang-lru/v2/expirable.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/amap-mcp-server-go/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Storage is a bounded LRU. Entries are evicted when the cache is full, when
// the cache-wide TTL passes, or when a shorter per-item TTL passes.
type Storage struct {
	cache *expirable.LRU[string, *storage.Item]
}

// New returns a cache holding at most maxItems entries. defaultTTL bounds the
// lifetime of every entry; 0 disables the cache-wide bound.
func New(maxItems int, defaultTTL time.Duration) (*Storage, error) {
	if maxItems <= 0 {
		return nil, fmt.Errorf("memory storage: maxItems must be positive, got %d", maxItems)
	}
	return &Storage{
		cache: expirable.NewLRU[string, *storage.Item](maxItems, nil, defaultTTL),
	}, nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts...)
	k := buildKey(o.Namespace, key)

	item, ok := s.cache.Get(k)
	if !ok {
		return nil, nil
	}
	if item.IsExpired() {
		s.cache.Remove(k)
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)

	now := time.Now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		item.ExpiresAt = &exp
	}
	s.cache.Add(buildKey(o.Namespace, key), item)
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if err := o.ValidateDelete(); err != nil {
		return err
	}
	if o.Key != nil {
		s.cache.Remove(buildKey(o.Namespace, *o.Key))
		return nil
	}
	prefix := o.Namespace + "\x00"
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Len returns the number of entries, expired ones included until purged.
func (s *Storage) Len() int { return s.cache.Len() }

func (s *Storage) Close() error {
	s.cache.Purge()
	return nil
}

func buildKey(ns, key string) string { return ns + "\x00" + key }

var _ storage.Storage = (*Storage)(nil)
