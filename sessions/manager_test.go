package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeEndpoint struct {
	id     string
	closes atomic.Int32
	err    error
}

func (f *fakeEndpoint) Close() error {
	f.closes.Add(1)
	return f.err
}

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int
}

func (r *recordingMetrics) IncCounter(name string, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counters == nil {
		r.counters = map[string]int{}
	}
	key := name
	if reason, ok := tags["reason"]; ok {
		key += "/" + reason
	}
	r.counters[key]++
}

func (r *recordingMetrics) ObserveHistogram(string, float64, map[string]string) {}

func (r *recordingMetrics) get(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[key]
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// eventually polls cond until it holds or two seconds pass. Eviction removes
// the index entry before closing the endpoint, so observers poll.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
	return true
}

func newFakeFactory() (Factory[*fakeEndpoint], func() []*fakeEndpoint) {
	var mu sync.Mutex
	var built []*fakeEndpoint
	factory := func(ctx context.Context, id string) (*fakeEndpoint, error) {
		ep := &fakeEndpoint{id: id}
		mu.Lock()
		built = append(built, ep)
		mu.Unlock()
		return ep, nil
	}
	return factory, func() []*fakeEndpoint {
		mu.Lock()
		defer mu.Unlock()
		return append([]*fakeEndpoint(nil), built...)
	}
}

func TestManager_CreateGetRoundTrip(t *testing.T) {
	factory, _ := newFakeFactory()
	m := NewManager(factory, WithLogger(quietLogger()))
	ctx := context.Background()

	s, err := m.Create(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.ID() == "" || s.Endpoint().id != s.ID() {
		t.Fatalf("endpoint not bound to session id: %q vs %q", s.Endpoint().id, s.ID())
	}
	got, err := m.Get(ctx, s.ID(), "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != s {
		t.Fatalf("expected same session back")
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 live session, got %d", m.Len())
	}
}

func TestManager_IDsAreUnique(t *testing.T) {
	factory, _ := newFakeFactory()
	m := NewManager(factory, WithLogger(quietLogger()))
	seen := map[string]bool{}
	for range 500 {
		s, err := m.Create(context.Background(), "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[s.ID()] {
			t.Fatalf("duplicate id %s", s.ID())
		}
		seen[s.ID()] = true
	}
}

func TestManager_IDCollisionRetries(t *testing.T) {
	ids := []string{"dup", "dup", "other"}
	var i int
	gen := func() string {
		id := ids[i]
		i++
		return id
	}
	factory, _ := newFakeFactory()
	m := NewManager(factory, WithLogger(quietLogger()), withIDGenerator(gen))
	a, err := m.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := m.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if a.ID() != "dup" || b.ID() != "other" {
		t.Fatalf("unexpected ids %s %s", a.ID(), b.ID())
	}
}

func TestManager_TerminateTwice(t *testing.T) {
	factory, _ := newFakeFactory()
	metrics := &recordingMetrics{}
	m := NewManager(factory, WithLogger(quietLogger()), WithMetrics(metrics))
	ctx := context.Background()

	s, _ := m.Create(ctx, "")
	if err := m.Terminate(ctx, s.ID(), ""); err != nil {
		t.Fatalf("first terminate: %v", err)
	}
	if err := m.Terminate(ctx, s.ID(), ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second terminate: expected not found, got %v", err)
	}
	if _, err := m.Get(ctx, s.ID(), ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("get after terminate: expected not found, got %v", err)
	}
	if n := s.Endpoint().closes.Load(); n != 1 {
		t.Fatalf("expected endpoint closed once, got %d", n)
	}
	if metrics.get("sessions.released/terminated") != 1 {
		t.Fatalf("expected one terminated release, got %+v", metrics.counters)
	}
}

func TestManager_CloseFailureStillRemoves(t *testing.T) {
	factory := func(ctx context.Context, id string) (*fakeEndpoint, error) {
		return &fakeEndpoint{id: id, err: errors.New("boom")}, nil
	}
	m := NewManager(factory, WithLogger(quietLogger()))
	s, _ := m.Create(context.Background(), "")
	if err := m.Terminate(context.Background(), s.ID(), ""); err != nil {
		t.Fatalf("terminate must succeed despite close error: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected index empty")
	}
}

func TestManager_OwnerMismatchIsNotFound(t *testing.T) {
	factory, _ := newFakeFactory()
	m := NewManager(factory, WithLogger(quietLogger()))
	ctx := context.Background()
	s, _ := m.Create(ctx, "alice")
	if _, err := m.Get(ctx, s.ID(), "bob"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found for other owner, got %v", err)
	}
	if err := m.Terminate(ctx, s.ID(), "bob"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found terminating other owner's session, got %v", err)
	}
	if _, err := m.Get(ctx, s.ID(), "alice"); err != nil {
		t.Fatalf("owner lookup failed: %v", err)
	}
}

func TestManager_ExpiresAfterIdleTimeout(t *testing.T) {
	factory, _ := newFakeFactory()
	metrics := &recordingMetrics{}
	timeout := 50 * time.Millisecond
	m := NewManager(factory, WithLogger(quietLogger()), WithIdleTimeout(timeout), WithMetrics(metrics))
	ctx := context.Background()

	start := time.Now()
	s, _ := m.Create(ctx, "")
	if _, err := m.Get(ctx, s.ID(), ""); err != nil {
		t.Fatalf("immediately after create: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Len() != 0 {
		t.Fatalf("session was not evicted")
	}
	if elapsed := time.Since(start); elapsed < timeout {
		t.Fatalf("evicted after %s, earlier than timeout %s", elapsed, timeout)
	}
	if _, err := m.Get(ctx, s.ID(), ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found after expiry, got %v", err)
	}
	if !eventually(func() bool { return s.Endpoint().closes.Load() == 1 }) {
		t.Fatalf("expected one close on expiry, got %d", s.Endpoint().closes.Load())
	}
	if !eventually(func() bool { return metrics.get("sessions.released/expired") == 1 }) {
		t.Fatalf("expected expired release metric")
	}
}

func TestManager_RefreshKeepsAlive(t *testing.T) {
	factory, _ := newFakeFactory()
	timeout := 80 * time.Millisecond
	m := NewManager(factory, WithLogger(quietLogger()), WithIdleTimeout(timeout))
	ctx := context.Background()

	s, _ := m.Create(ctx, "")
	// Touch well inside the timeout for several timeouts' worth of time.
	for range 8 {
		time.Sleep(timeout / 4)
		if _, err := m.Get(ctx, s.ID(), ""); err != nil {
			t.Fatalf("session expired despite refresh: %v", err)
		}
	}
	if !s.Deadline().After(time.Now()) {
		t.Fatalf("deadline should be in the future")
	}
}

func TestManager_MaxSessions(t *testing.T) {
	factory, built := newFakeFactory()
	metrics := &recordingMetrics{}
	m := NewManager(factory, WithLogger(quietLogger()), WithMaxSessions(2), WithMetrics(metrics))
	ctx := context.Background()

	a, _ := m.Create(ctx, "")
	if _, err := m.Create(ctx, ""); err != nil {
		t.Fatalf("second create: %v", err)
	}
	if _, err := m.Create(ctx, ""); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}
	if len(built()) != 2 {
		t.Fatalf("rejected create must not build an endpoint")
	}
	if got := metrics.get("sessions.rejected/too_many"); got != 1 {
		t.Fatalf("sessions.rejected/too_many = %d, want 1", got)
	}
	if err := m.Terminate(ctx, a.ID(), ""); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, err := m.Create(ctx, ""); err != nil {
		t.Fatalf("create after room freed: %v", err)
	}
}

func TestManager_FactoryError(t *testing.T) {
	boom := errors.New("boom")
	m := NewManager(func(ctx context.Context, id string) (*fakeEndpoint, error) { return nil, boom }, WithLogger(quietLogger()))
	if _, err := m.Create(context.Background(), ""); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped factory error, got %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("failed create must not insert")
	}
}

func TestManager_CloseReleasesAllAndRejectsCreate(t *testing.T) {
	factory, built := newFakeFactory()
	m := NewManager(factory, WithLogger(quietLogger()))
	ctx := context.Background()
	for range 5 {
		if _, err := m.Create(ctx, ""); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, ep := range built() {
		if ep.closes.Load() != 1 {
			t.Fatalf("endpoint %s closed %d times", ep.id, ep.closes.Load())
		}
	}
	if _, err := m.Create(ctx, ""); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

func TestManager_ConcurrentTerminateAndExpiry(t *testing.T) {
	factory, built := newFakeFactory()
	m := NewManager(factory, WithLogger(quietLogger()), WithIdleTimeout(time.Millisecond))
	ctx := context.Background()

	const n = 200
	ids := make([]string, 0, n)
	for range n {
		s, err := m.Create(ctx, "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, s.ID())
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.Terminate(ctx, id, "")
		}()
		go func() {
			defer wg.Done()
			_, _ = m.Get(ctx, id, "")
		}()
	}
	wg.Wait()

	for _, ep := range built() {
		if !eventually(func() bool { return ep.closes.Load() >= 1 }) {
			t.Fatalf("endpoint %s never released", ep.id)
		}
	}
	time.Sleep(10 * time.Millisecond)
	for _, ep := range built() {
		if got := ep.closes.Load(); got != 1 {
			t.Fatalf("endpoint %s released %d times", ep.id, got)
		}
	}
}

func ExampleManager() {
	type endpoint struct{ fakeEndpoint }
	m := NewManager(func(ctx context.Context, id string) (*endpoint, error) {
		return &endpoint{}, nil
	}, WithIdleTimeout(time.Hour), WithLogger(quietLogger()))
	ctx := context.Background()

	s, _ := m.Create(ctx, "")
	_, err := m.Get(ctx, s.ID(), "")
	fmt.Println(err)
	fmt.Println(m.Terminate(ctx, s.ID(), ""))
	fmt.Println(m.Terminate(ctx, s.ID(), ""))
	// Output:
	// <nil>
	// <nil>
	// session not found
}

func TestManager_StaleTimerFireAfterRefreshIsIgnored(t *testing.T) {
	factory, built := newFakeFactory()
	m := NewManager(factory, WithLogger(quietLogger()), WithIdleTimeout(time.Hour))
	ctx := context.Background()

	s, err := m.Create(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m.mu.Lock()
	staleGen := s.gen
	m.mu.Unlock()

	if _, err := m.Get(ctx, s.ID(), ""); err != nil {
		t.Fatalf("get: %v", err)
	}
	// A timer armed before the refresh fires late.
	m.expire(s.ID(), staleGen)

	if _, err := m.Get(ctx, s.ID(), ""); err != nil {
		t.Fatalf("session lost to a stale timer: %v", err)
	}
	ep := built()[0]
	if n := ep.closes.Load(); n != 0 {
		t.Fatalf("endpoint closed %d times by a stale timer", n)
	}

	m.mu.Lock()
	currentGen := s.gen
	m.mu.Unlock()
	m.expire(s.ID(), currentGen)
	if _, err := m.Get(ctx, s.ID(), ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after current fire, got %v", err)
	}
	if n := ep.closes.Load(); n != 1 {
		t.Fatalf("endpoint closed %d times, want 1", n)
	}
}

func TestManager_GetRacingExpiryNeverSeesReleasedLiveSession(t *testing.T) {
	factory, built := newFakeFactory()
	m := NewManager(factory, WithLogger(quietLogger()), WithIdleTimeout(time.Millisecond))
	ctx := context.Background()

	const n = 100
	ids := make([]string, 0, n)
	for range n {
		s, err := m.Create(ctx, "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, s.ID())
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				s, err := m.Get(ctx, id, "")
				if err != nil {
					return
				}
				if s.Endpoint().closes.Load() == 0 {
					continue
				}
				// Released endpoints must already be gone from the index.
				m.mu.Lock()
				_, live := m.sessions[id]
				m.mu.Unlock()
				if live {
					t.Errorf("session %s is indexed after its endpoint was released", id)
					return
				}
			}
		}()
	}
	wg.Wait()

	if !eventually(func() bool { return m.Len() == 0 }) {
		t.Fatalf("%d sessions never expired", m.Len())
	}
	for _, ep := range built() {
		if !eventually(func() bool { return ep.closes.Load() == 1 }) {
			t.Fatalf("endpoint %s closed %d times, want 1", ep.id, ep.closes.Load())
		}
	}
}

func TestManager_RejectedCreatesAreTaggedByReason(t *testing.T) {
	metrics := &recordingMetrics{}
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var calls atomic.Int32
	factory := func(ctx context.Context, id string) (*fakeEndpoint, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-unblock
		}
		return &fakeEndpoint{id: id}, nil
	}
	m := NewManager(factory,
		WithLogger(quietLogger()),
		WithMetrics(metrics),
		withIDGenerator(func() string { return "dup" }),
	)
	ctx := context.Background()

	// The first create picks "dup" and stalls in the factory while a second
	// create claims the same id.
	errc := make(chan error, 1)
	go func() {
		_, err := m.Create(ctx, "")
		errc <- err
	}()
	<-entered
	if _, err := m.Create(ctx, ""); err != nil {
		t.Fatalf("second create: %v", err)
	}
	close(unblock)
	if err := <-errc; !errors.Is(err, errIDCollision) {
		t.Fatalf("expected id collision, got %v", err)
	}
	if got := metrics.get("sessions.rejected/collision"); got != 1 {
		t.Fatalf("sessions.rejected/collision = %d, want 1", got)
	}

	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := m.Create(ctx, ""); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
	if got := metrics.get("sessions.rejected/closed"); got != 1 {
		t.Fatalf("sessions.rejected/closed = %d, want 1", got)
	}
}

func TestManager_CloseWithEndedContextStillReleasesAll(t *testing.T) {
	factory, built := newFakeFactory()
	m := NewManager(factory, WithLogger(quietLogger()))
	for range 20 {
		if _, err := m.Create(context.Background(), ""); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("close: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("%d sessions left indexed", m.Len())
	}
	for _, ep := range built() {
		if !eventually(func() bool { return ep.closes.Load() == 1 }) {
			t.Fatalf("endpoint %s closed %d times, want 1", ep.id, ep.closes.Load())
		}
	}
}
