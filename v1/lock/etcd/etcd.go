// Package etcd implements lock.Service on top of etcd's concurrency
// package. Every acquisition opens its own session; the session lease is
// what finally frees the locks of a crashed holder.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	lockerrors "github.com/limbo-world/limbo-locker/v1/errors"
	"github.com/limbo-world/limbo-locker/v1/lock"
)

const (
	// DefaultPrefix is the etcd key prefix of every lock.
	DefaultPrefix = "/locker/locks/"
	// DefaultSessionTTL is the session lease in seconds. It bounds how long
	// the locks of a crashed holder survive.
	DefaultSessionTTL = 10
)

// NewClient connects to the given endpoints.
func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// holding is a live acquisition: one session and the mutexes taken with it,
// in acquisition order.
type holding struct {
	session *concurrency.Session
	mutexes []*concurrency.Mutex
	expiry  *time.Timer
}

type state struct {
	keys []string

	mu   sync.Mutex
	held *holding
}

func (s *state) take() *holding {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.held
	s.held = nil
	return h
}

type single struct {
	svc  *Service
	name string
	st   *state
}

func (h *single) Name() string { return h.name }

type composite struct {
	svc      *Service
	children []lock.Handle
	st       *state
}

func (c *composite) Name() string {
	names := make([]string, len(c.children))
	for i, ch := range c.children {
		names[i] = ch.Name()
	}
	return lock.FormatNames(names)
}

func (c *composite) Children() []lock.Handle {
	return append([]lock.Handle(nil), c.children...)
}

// Option configures a Service.
type Option func(*Service)

// WithPrefix sets the key prefix of the locks.
func WithPrefix(prefix string) Option {
	return func(s *Service) { s.prefix = prefix }
}

// WithSessionTTL sets the session lease, in seconds.
func WithSessionTTL(seconds int) Option {
	return func(s *Service) {
		if seconds > 0 {
			s.ttl = seconds
		}
	}
}

// Service implements lock.Service with etcd mutexes. The children of a
// composite are locked one after the other in their declared order; a
// failure closes the session, which drops the ones already taken. A lease
// closes the session once it runs out, so etcd deletes the lock keys.
type Service struct {
	client *clientv3.Client
	prefix string
	ttl    int
}

// New returns a Service using client.
func New(client *clientv3.Client, opts ...Option) *Service {
	s := &Service{client: client, prefix: DefaultPrefix, ttl: DefaultSessionTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetLock implements lock.Service.GetLock.
func (s *Service) GetLock(name string) lock.Handle {
	return &single{svc: s, name: name, st: &state{keys: []string{name}}}
}

// GetCompositeLock implements lock.Service.GetCompositeLock.
func (s *Service) GetCompositeLock(handles ...lock.Handle) lock.Handle {
	c := &composite{svc: s, children: append([]lock.Handle(nil), handles...)}
	c.st = &state{keys: lock.Leaves(c)}
	return c
}

// DisplayName implements lock.Service.DisplayName.
func (s *Service) DisplayName(h lock.Handle) string {
	if _, ok := s.state(h); !ok {
		return ""
	}
	return h.Name()
}

func (s *Service) state(h lock.Handle) (*state, bool) {
	switch v := h.(type) {
	case *single:
		return v.st, v.svc == s
	case *composite:
		return v.st, v.svc == s
	}
	return nil, false
}

// TryAcquire implements lock.Service.TryAcquire.
func (s *Service) TryAcquire(ctx context.Context, h lock.Handle, wait, lease time.Duration) (bool, error) {
	st, ok := s.state(h)
	if !ok {
		return false, fmt.Errorf("%w: %T", lockerrors.ErrUnknownHandle, h)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	session, err := concurrency.NewSession(s.client, concurrency.WithTTL(s.ttl))
	if err != nil {
		return false, fmt.Errorf("%w: create session: %v", lockerrors.ErrUnavailable, err)
	}

	lockCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	mutexes := make([]*concurrency.Mutex, 0, len(st.keys))
	for _, key := range st.keys {
		m := concurrency.NewMutex(session, s.prefix+key)
		acquired, err := s.lockOne(ctx, lockCtx, m, wait)
		if err != nil || !acquired {
			// closing the session revokes every key taken so far
			_ = session.Close()
			return false, err
		}
		mutexes = append(mutexes, m)
	}

	held := &holding{session: session, mutexes: mutexes}
	if lease > 0 {
		held.expiry = time.AfterFunc(lease, func() { _ = session.Close() })
	}
	st.mu.Lock()
	st.held = held
	st.mu.Unlock()
	return true, nil
}

func (s *Service) lockOne(ctx, lockCtx context.Context, m *concurrency.Mutex, wait time.Duration) (bool, error) {
	var err error
	if wait == 0 {
		err = m.TryLock(ctx)
	} else {
		err = m.Lock(lockCtx)
	}
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, concurrency.ErrLocked):
		return false, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case lockCtx.Err() != nil:
		// the wait ran out
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", lockerrors.ErrUnavailable, err)
	}
}

// Release implements lock.Service.Release. A session that already ended,
// because its lease ran out or etcd expired it, yields lockerrors.ErrNotHeld.
func (s *Service) Release(ctx context.Context, h lock.Handle) error {
	st, ok := s.state(h)
	if !ok {
		return fmt.Errorf("%w: %T", lockerrors.ErrUnknownHandle, h)
	}
	held := st.take()
	if held == nil {
		return fmt.Errorf("%w: %s", lockerrors.ErrNotHeld, h.Name())
	}
	if held.expiry != nil {
		held.expiry.Stop()
	}
	defer held.session.Close()

	select {
	case <-held.session.Done():
		return fmt.Errorf("%w: %s: session expired", lockerrors.ErrNotHeld, h.Name())
	default:
	}
	var firstErr error
	for i := len(held.mutexes) - 1; i >= 0; i-- {
		if err := held.mutexes[i].Unlock(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: unlock %s: %v", lockerrors.ErrUnavailable, h.Name(), err)
		}
	}
	return firstErr
}
