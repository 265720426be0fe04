package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/amap-mcp-server-go/storage"
	"github.com/ggoodman/amap-mcp-server-go/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	s, err := New(100, 0)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	storagetest.Run(t, s)
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	if _, err := New(0, time.Minute); err == nil {
		t.Fatal("expected error for zero size")
	}
}

func TestLRUEviction(t *testing.T) {
	s, err := New(2, 0)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if err := s.Set(ctx, k, []byte(k), storage.WithNamespace("geo")); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}
	if it, _ := s.Get(ctx, "a", storage.WithNamespace("geo")); it != nil {
		t.Fatalf("oldest entry should have been evicted")
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", s.Len())
	}
}

func TestCacheWideTTL(t *testing.T) {
	s, err := New(10, 40*time.Millisecond)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), storage.WithNamespace("geo"))
	time.Sleep(100 * time.Millisecond)
	if it, _ := s.Get(ctx, "k", storage.WithNamespace("geo")); it != nil {
		t.Fatalf("entry outlived the cache-wide TTL")
	}
}

func TestSetCopiesData(t *testing.T) {
	s, _ := New(10, 0)
	defer s.Close()
	ctx := context.Background()

	buf := []byte("abc")
	_ = s.Set(ctx, "k", buf)
	buf[0] = 'z'
	it, _ := s.Get(ctx, "k")
	if it == nil || string(it.Data) != "abc" {
		t.Fatalf("stored data aliased caller buffer: %+v", it)
	}
}

func ExampleStorage() {
	store, _ := New(1000, 5*time.Minute)
	defer store.Close()
	ctx := context.Background()

	_ = store.Set(ctx, "city=010", []byte(`{"status":"1"}`), storage.WithNamespace("weather"), storage.WithTTL(time.Minute))
	it, _ := store.Get(ctx, "city=010", storage.WithNamespace("weather"))
	fmt.Println(string(it.Data))
	// Output: {"status":"1"}
}
