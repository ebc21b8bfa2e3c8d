// Package locktest provides a scripted lock.Service for tests.
package locktest

import (
	"context"
	"sync"
	"time"

	"github.com/limbo-world/limbo-locker/v1/lock"
)

// Attempt records one TryAcquire call.
type Attempt struct {
	Names []string
	Wait  time.Duration
	Lease time.Duration
}

// AcquireFunc scripts the answer to the n-th TryAcquire call, counting from 1.
type AcquireFunc func(ctx context.Context, n int) (bool, error)

// SucceedOn returns an AcquireFunc failing every attempt before n.
func SucceedOn(n int) AcquireFunc {
	return func(_ context.Context, i int) (bool, error) { return i >= n, nil }
}

// Never returns an AcquireFunc that never acquires.
func Never() AcquireFunc {
	return func(context.Context, int) (bool, error) { return false, nil }
}

// Spy is a lock.Service that records every call and answers as scripted. It
// enforces no exclusion.
type Spy struct {
	Acquire    AcquireFunc
	ReleaseErr error

	mu       sync.Mutex
	attempts []Attempt
	releases int
	gets     int
}

// NewSpy returns a Spy that always acquires.
func NewSpy() *Spy {
	return &Spy{Acquire: SucceedOn(1)}
}

type handle string

func (h handle) Name() string { return string(h) }

type composite struct {
	children []lock.Handle
}

func (c *composite) Name() string {
	names := make([]string, len(c.children))
	for i, ch := range c.children {
		names[i] = ch.Name()
	}
	return lock.FormatNames(names)
}

func (c *composite) Children() []lock.Handle { return append([]lock.Handle(nil), c.children...) }

// GetLock implements lock.Service.
func (s *Spy) GetLock(name string) lock.Handle {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return handle(name)
}

// GetCompositeLock implements lock.Service.
func (s *Spy) GetCompositeLock(handles ...lock.Handle) lock.Handle {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return &composite{children: append([]lock.Handle(nil), handles...)}
}

// TryAcquire implements lock.Service.
func (s *Spy) TryAcquire(ctx context.Context, h lock.Handle, wait, lease time.Duration) (bool, error) {
	s.mu.Lock()
	s.attempts = append(s.attempts, Attempt{Names: lock.Leaves(h), Wait: wait, Lease: lease})
	n := len(s.attempts)
	acquire := s.Acquire
	s.mu.Unlock()
	return acquire(ctx, n)
}

// Release implements lock.Service.
func (s *Spy) Release(context.Context, lock.Handle) error {
	s.mu.Lock()
	s.releases++
	s.mu.Unlock()
	return s.ReleaseErr
}

// DisplayName implements lock.Service. Only single handles are recognised.
func (s *Spy) DisplayName(h lock.Handle) string {
	if v, ok := h.(handle); ok {
		return string(v)
	}
	return ""
}

// Attempts returns the recorded TryAcquire calls.
func (s *Spy) Attempts() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Attempt(nil), s.attempts...)
}

// Releases returns the number of Release calls.
func (s *Spy) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

// Calls returns the total number of calls made to the service.
func (s *Spy) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets + len(s.attempts) + s.releases
}
