package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	lockerrors "github.com/limbo-world/limbo-locker/v1/errors"
	"github.com/limbo-world/limbo-locker/v1/syncbus"
)

// lockState is shared by every key taken in one acquisition. released is
// closed once, when the acquisition is released or its lease runs out.
type lockState struct {
	token    string
	released chan struct{}
}

// InMemory implements Service using local memory. Composite handles are
// taken under a single mutex, so either every key is granted or none is.
// When a bus is configured, releases are published on syncbus.ReleaseTopic.
type InMemory struct {
	mu    sync.Mutex
	bus   syncbus.Bus
	locks map[string]*lockState
}

// NewInMemory returns a new in-memory lock service. bus may be nil.
func NewInMemory(bus syncbus.Bus) *InMemory {
	return &InMemory{bus: bus, locks: make(map[string]*lockState)}
}

// GetLock implements Service.GetLock.
func (l *InMemory) GetLock(name string) Handle { return newSingle(l, name) }

// GetCompositeLock implements Service.GetCompositeLock.
func (l *InMemory) GetCompositeLock(handles ...Handle) Handle { return newComposite(l, handles) }

// DisplayName implements Service.DisplayName.
func (l *InMemory) DisplayName(h Handle) string { return displayName(l, h) }

// TryAcquire implements Service.TryAcquire. Handles are not reentrant: a
// handle that is already held waits for its own release like any other
// contender.
func (l *InMemory) TryAcquire(ctx context.Context, h Handle, wait, lease time.Duration) (bool, error) {
	acq, ok := ownAcquisition(l, h)
	if !ok {
		return false, fmt.Errorf("%w: %T", lockerrors.ErrUnknownHandle, h)
	}
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		l.mu.Lock()
		busy := l.blocker(acq.keys)
		if busy == nil {
			l.grab(acq, lease)
			l.mu.Unlock()
			return true, nil
		}
		l.mu.Unlock()
		if wait == 0 {
			return false, nil
		}
		select {
		case <-busy:
		case <-timeout:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// blocker returns the release channel of the first held key. Callers hold l.mu.
func (l *InMemory) blocker(keys []string) <-chan struct{} {
	for _, k := range keys {
		if st, ok := l.locks[k]; ok {
			return st.released
		}
	}
	return nil
}

// grab takes every key for acq. Callers hold l.mu.
func (l *InMemory) grab(acq *acquisition, lease time.Duration) {
	st := &lockState{token: uuid.NewString(), released: make(chan struct{})}
	for _, k := range acq.keys {
		l.locks[k] = st
	}
	acq.mu.Lock()
	acq.token = st.token
	if lease > 0 {
		acq.timer = time.AfterFunc(lease, func() { l.expire(acq, st.token) })
	}
	acq.mu.Unlock()
}

// drop removes the keys still owned by token. Callers hold l.mu.
func (l *InMemory) drop(keys []string, token string) []string {
	var dropped []string
	var st *lockState
	for _, k := range keys {
		cur, ok := l.locks[k]
		if !ok || cur.token != token {
			continue
		}
		st = cur
		delete(l.locks, k)
		dropped = append(dropped, k)
	}
	if st != nil {
		close(st.released)
	}
	return dropped
}

// expire ends the acquisition identified by token once its lease is over.
// A later acquisition of the same keys is left untouched.
func (l *InMemory) expire(acq *acquisition, token string) {
	l.mu.Lock()
	dropped := l.drop(acq.keys, token)
	acq.mu.Lock()
	if acq.token == token {
		acq.token = ""
		acq.timer = nil
	}
	acq.mu.Unlock()
	l.mu.Unlock()
	l.publish(context.Background(), dropped)
}

// Release implements Service.Release.
func (l *InMemory) Release(ctx context.Context, h Handle) error {
	acq, ok := ownAcquisition(l, h)
	if !ok {
		return fmt.Errorf("%w: %T", lockerrors.ErrUnknownHandle, h)
	}
	l.mu.Lock()
	token := acq.take()
	if token == "" {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", lockerrors.ErrNotHeld, h.Name())
	}
	dropped := l.drop(acq.keys, token)
	l.mu.Unlock()
	l.publish(ctx, dropped)
	if len(dropped) < len(acq.keys) {
		return fmt.Errorf("%w: %s", lockerrors.ErrNotHeld, h.Name())
	}
	return nil
}

func (l *InMemory) publish(ctx context.Context, keys []string) {
	if l.bus == nil {
		return
	}
	for _, k := range keys {
		_ = l.bus.Publish(ctx, syncbus.ReleaseTopic(k))
	}
}
