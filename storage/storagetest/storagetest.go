// Package storagetest provides a conformance suite shared by storage.Storage
// backends.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/amap-mcp-server-go/storage"
)

// Run exercises s against the storage.Storage contract. s must start empty.
func Run(t *testing.T, s storage.Storage) {
	t.Helper()

	t.Run("SetAndGet", func(t *testing.T) {
		ctx := context.Background()
		if err := s.Set(ctx, "k1", []byte("v1"), storage.WithNamespace("geo")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		it, err := s.Get(ctx, "k1", storage.WithNamespace("geo"))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if it == nil || !bytes.Equal(it.Data, []byte("v1")) {
			t.Fatalf("unexpected item: %+v", it)
		}
		if it.CreatedAt.IsZero() {
			t.Fatalf("CreatedAt not set")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		it, err := s.Get(context.Background(), "nope", storage.WithNamespace("geo"))
		if err != nil || it != nil {
			t.Fatalf("expected nil, nil; got %+v, %v", it, err)
		}
	})

	t.Run("NamespacesAreIsolated", func(t *testing.T) {
		ctx := context.Background()
		if err := s.Set(ctx, "same", []byte("a"), storage.WithNamespace("weather")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := s.Set(ctx, "same", []byte("b"), storage.WithNamespace("distance")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		a, _ := s.Get(ctx, "same", storage.WithNamespace("weather"))
		b, _ := s.Get(ctx, "same", storage.WithNamespace("distance"))
		if a == nil || b == nil || string(a.Data) != "a" || string(b.Data) != "b" {
			t.Fatalf("namespaces leaked: %+v %+v", a, b)
		}
	})

	t.Run("TTL", func(t *testing.T) {
		ctx := context.Background()
		if err := s.Set(ctx, "short", []byte("x"), storage.WithNamespace("ttl"), storage.WithTTL(50*time.Millisecond)); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if it, _ := s.Get(ctx, "short", storage.WithNamespace("ttl")); it == nil {
			t.Fatalf("expected item before expiry")
		}
		time.Sleep(120 * time.Millisecond)
		if it, err := s.Get(ctx, "short", storage.WithNamespace("ttl")); err != nil || it != nil {
			t.Fatalf("expected expiry, got %+v, %v", it, err)
		}
	})

	t.Run("DeleteKey", func(t *testing.T) {
		ctx := context.Background()
		_ = s.Set(ctx, "d1", []byte("x"), storage.WithNamespace("del"))
		_ = s.Set(ctx, "d2", []byte("y"), storage.WithNamespace("del"))
		if err := s.Delete(ctx, storage.WithNamespace("del"), storage.WithKey("d1")); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if it, _ := s.Get(ctx, "d1", storage.WithNamespace("del")); it != nil {
			t.Fatalf("d1 should be gone")
		}
		if it, _ := s.Get(ctx, "d2", storage.WithNamespace("del")); it == nil {
			t.Fatalf("d2 should remain")
		}
	})

	t.Run("DeleteNamespace", func(t *testing.T) {
		ctx := context.Background()
		_ = s.Set(ctx, "n1", []byte("x"), storage.WithNamespace("wipe"))
		_ = s.Set(ctx, "n2", []byte("y"), storage.WithNamespace("wipe"))
		_ = s.Set(ctx, "n1", []byte("z"), storage.WithNamespace("keep"))
		if err := s.Delete(ctx, storage.WithNamespace("wipe")); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		for _, k := range []string{"n1", "n2"} {
			if it, _ := s.Get(ctx, k, storage.WithNamespace("wipe")); it != nil {
				t.Fatalf("%s should be gone", k)
			}
		}
		if it, _ := s.Get(ctx, "n1", storage.WithNamespace("keep")); it == nil {
			t.Fatalf("other namespace must survive")
		}
	})

	t.Run("DeleteRequiresScope", func(t *testing.T) {
		if err := s.Delete(context.Background()); !errors.Is(err, storage.ErrInvalidOptions) {
			t.Fatalf("expected ErrInvalidOptions, got %v", err)
		}
	})
}
