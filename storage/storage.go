// Package storage defines the byte cache used to memoize successful Amap
// responses. Entries live in a namespace (one per tool) and may carry a TTL.
//
// Backends:
//
//	memory : process-local, bounded LRU (storage/memory)
//	redis  : shared across replicas (storage/redis)
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is a namespaced key/value cache.
type Storage interface {
	// Get returns the item for key, or nil when it is absent or expired. An
	// error means the backend itself failed.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data under key, replacing any previous value.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes a single key (WithKey) or a whole namespace.
	Delete(ctx context.Context, opts ...Option) error

	Close() error
}

// Item is a cached value.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no per-item expiry
}

// IsExpired reports whether the item's TTL has elapsed.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures a storage operation.
type Option func(*Options)

// Options is the resolved set of per-operation options.
type Options struct {
	Namespace string
	Key       *string
	TTL       *time.Duration
}

// Apply resolves opts. Backends call it at the top of every operation.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithNamespace scopes the operation to ns.
func WithNamespace(ns string) Option {
	return func(o *Options) { o.Namespace = ns }
}

// WithKey selects a single key for Delete.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL sets a time-to-live on Set.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

var (
	// ErrInvalidOptions is returned when incompatible options are provided,
	// e.g. Delete with neither a key nor a namespace.
	ErrInvalidOptions = errors.New("storage: invalid option combination")
)

// ValidateDelete checks that a Delete targets something narrower than the
// whole backend.
func (o Options) ValidateDelete() error {
	if o.Key == nil && o.Namespace == "" {
		return ErrInvalidOptions
	}
	return nil
}
