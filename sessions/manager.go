package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIdleTimeout is used when WithIdleTimeout is not given.
const DefaultIdleTimeout = time.Hour

var (
	// ErrSessionNotFound reports an unknown, expired or foreign session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTooManySessions is returned by Create when the WithMaxSessions bound is reached.
	ErrTooManySessions = errors.New("too many active sessions")
	// ErrManagerClosed is returned by Create once Close has been called.
	ErrManagerClosed = errors.New("session manager closed")

	errIDCollision = errors.New("session id collision")
)

// Factory builds the endpoint for a new session id.
type Factory[E Endpoint] func(ctx context.Context, id string) (E, error)

// Reason labels why a session was released.
type Reason string

const (
	ReasonTerminated Reason = "terminated"
	ReasonExpired    Reason = "expired"
	ReasonShutdown   Reason = "shutdown"
)

// Option configures a Manager.
type Option func(*config)

type config struct {
	idleTimeout time.Duration
	maxSessions int
	log         *slog.Logger
	metrics     MetricsSink
	newID       func() string
}

// WithIdleTimeout sets how long a session may go untouched before eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithMaxSessions bounds the number of live sessions. 0 disables the bound.
func WithMaxSessions(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxSessions = n
		}
	}
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the sink receiving lifecycle counters and lifetimes.
func WithMetrics(m MetricsSink) Option {
	return func(c *config) {
		if m != nil {
			c.metrics = m
		}
	}
}

func withIDGenerator(fn func() string) Option {
	return func(c *config) { c.newID = fn }
}

// Manager is the authoritative index of live sessions.
type Manager[E Endpoint] struct {
	factory Factory[E]
	cfg     config

	mu       sync.Mutex
	sessions map[string]*Session[E]
	closed   bool
}

// NewManager returns a Manager that builds endpoints with factory.
func NewManager[E Endpoint](factory Factory[E], opts ...Option) *Manager[E] {
	cfg := config{
		idleTimeout: DefaultIdleTimeout,
		log:         slog.Default(),
		metrics:     noopMetrics{},
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Manager[E]{
		factory:  factory,
		cfg:      cfg,
		sessions: make(map[string]*Session[E]),
	}
}

// IdleTimeout returns the configured idle timeout.
func (m *Manager[E]) IdleTimeout() time.Duration { return m.cfg.idleTimeout }

// Len returns the number of live sessions.
func (m *Manager[E]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Create allocates a new session owned by userID (which may be empty).
func (m *Manager[E]) Create(ctx context.Context, userID string) (*Session[E], error) {
	m.mu.Lock()
	if err := m.admitLocked(); err != nil {
		m.mu.Unlock()
		m.rejected(ctx, err)
		return nil, err
	}
	id := m.freshIDLocked()
	m.mu.Unlock()

	ep, err := m.factory(ctx, id)
	if err != nil {
		m.cfg.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("create session endpoint: %w", err)
	}

	now := time.Now()
	s := &Session[E]{id: id, userID: userID, endpoint: ep, createdAt: now}

	m.mu.Lock()
	err = m.admitLocked()
	if err == nil {
		if _, taken := m.sessions[id]; taken {
			err = fmt.Errorf("%w: %s", errIDCollision, id)
		}
	}
	if err != nil {
		m.mu.Unlock()
		if cerr := ep.Close(); cerr != nil {
			m.cfg.log.ErrorContext(ctx, "session.close.fail", slog.String("session_id", id), slog.String("err", cerr.Error()))
		}
		m.rejected(ctx, err)
		return nil, err
	}
	m.sessions[id] = s
	m.armLocked(s)
	live := len(m.sessions)
	m.mu.Unlock()

	m.cfg.metrics.IncCounter("sessions.created", nil)
	m.cfg.log.InfoContext(ctx, "session.create.ok",
		slog.String("session_id", id),
		slog.String("user_id", userID),
		slog.Int("live", live),
	)
	return s, nil
}

// Get returns the live session id owned by userID and refreshes its idle
// timer. A session bound to a different owner is reported as not found.
func (m *Manager[E]) Get(ctx context.Context, id, userID string) (*Session[E], error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.userID != userID {
		m.mu.Unlock()
		m.cfg.log.DebugContext(ctx, "session.load.miss", slog.String("session_id", id))
		return nil, ErrSessionNotFound
	}
	m.armLocked(s)
	m.mu.Unlock()
	return s, nil
}

// Terminate removes the session and closes its endpoint. Close failures are
// logged; the session is gone either way.
func (m *Manager[E]) Terminate(ctx context.Context, id, userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.userID != userID {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	m.removeLocked(s)
	m.mu.Unlock()

	m.release(ctx, s, ReasonTerminated)
	return nil
}

// Close terminates every live session and rejects further Create calls.
// Every endpoint is closed even if ctx ends first; in that case the rest are
// released in the background and Close returns ctx.Err().
func (m *Manager[E]) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	all := make([]*Session[E], 0, len(m.sessions))
	for _, s := range m.sessions {
		m.removeLocked(s)
		all = append(all, s)
	}
	m.mu.Unlock()

	m.cfg.log.InfoContext(ctx, "session.manager.close", slog.Int("sessions", len(all)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		rctx := context.WithoutCancel(ctx)
		for _, s := range all {
			m.release(rctx, s, ReasonShutdown)
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager[E]) admitLocked() error {
	if m.closed {
		return ErrManagerClosed
	}
	if m.cfg.maxSessions > 0 && len(m.sessions) >= m.cfg.maxSessions {
		return ErrTooManySessions
	}
	return nil
}

func (m *Manager[E]) freshIDLocked() string {
	for {
		id := m.cfg.newID()
		if _, taken := m.sessions[id]; !taken && id != "" {
			return id
		}
	}
}

// armLocked (re)schedules the idle timer. The callback captures the current
// generation so that a fire racing with a later arm is ignored.
func (m *Manager[E]) armLocked(s *Session[E]) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.deadline.Store(time.Now().Add(m.cfg.idleTimeout).UnixNano())
	s.timer = time.AfterFunc(m.cfg.idleTimeout, func() { m.expire(s.id, gen) })
}

func (m *Manager[E]) removeLocked(s *Session[E]) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	delete(m.sessions, s.id)
}

func (m *Manager[E]) expire(id string, gen uint64) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.gen != gen {
		m.mu.Unlock()
		return
	}
	m.removeLocked(s)
	m.mu.Unlock()

	m.release(context.Background(), s, ReasonExpired)
}

func (m *Manager[E]) release(ctx context.Context, s *Session[E], reason Reason) {
	first, err := s.release()
	if !first {
		return
	}
	tags := map[string]string{"reason": string(reason)}
	m.cfg.metrics.IncCounter("sessions.released", tags)
	m.cfg.metrics.ObserveHistogram("sessions.lifetime_seconds", time.Since(s.createdAt).Seconds(), tags)

	log := m.cfg.log.With(slog.String("session_id", s.id), slog.String("reason", string(reason)))
	if err != nil {
		log.ErrorContext(ctx, "session.close.fail", slog.String("err", err.Error()))
		return
	}
	log.InfoContext(ctx, "session.release.ok")
}

func (m *Manager[E]) rejected(ctx context.Context, err error) {
	m.cfg.metrics.IncCounter("sessions.rejected", map[string]string{"reason": rejectReason(err)})
	m.cfg.log.WarnContext(ctx, "session.create.rejected", slog.String("err", err.Error()))
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrTooManySessions):
		return "too_many"
	case errors.Is(err, ErrManagerClosed):
		return "closed"
	case errors.Is(err, errIDCollision):
		return "collision"
	default:
		return "other"
	}
}
