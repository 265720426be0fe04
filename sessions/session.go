package sessions

import (
	"sync"
	"sync/atomic"
	"time"
)

// Endpoint is the resource a Session owns. Close is called exactly once when
// the session is terminated, expires or the Manager shuts down.
type Endpoint interface {
	Close() error
}

// Session is one live entry of a Manager.
type Session[E Endpoint] struct {
	id        string
	userID    string
	endpoint  E
	createdAt time.Time
	deadline  atomic.Int64 // unix nanos

	// guarded by Manager.mu
	timer *time.Timer
	gen   uint64

	releaseOnce sync.Once
	releaseErr  error
}

// ID returns the session identifier.
func (s *Session[E]) ID() string { return s.id }

// UserID returns the owner bound at creation, empty for anonymous sessions.
func (s *Session[E]) UserID() string { return s.userID }

// Endpoint returns the owned endpoint.
func (s *Session[E]) Endpoint() E { return s.endpoint }

// CreatedAt returns when the session was created.
func (s *Session[E]) CreatedAt() time.Time { return s.createdAt }

// Deadline returns when the session will expire unless refreshed.
func (s *Session[E]) Deadline() time.Time { return time.Unix(0, s.deadline.Load()) }

func (s *Session[E]) release() (first bool, err error) {
	s.releaseOnce.Do(func() {
		first = true
		s.releaseErr = s.endpoint.Close()
	})
	return first, s.releaseErr
}
