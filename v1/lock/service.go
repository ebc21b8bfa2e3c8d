package lock

import (
	"context"
	"strings"
	"time"
)

// WaitForever makes TryAcquire block until the lock is obtained or its
// context ends.
const WaitForever time.Duration = -1

// Handle references a lock obtained from a Service. Handles are cheap and
// are meant to be used for a single acquire/release cycle.
type Handle interface {
	Name() string
}

// Composite is a handle made of an ordered set of child handles. Services
// acquire and release composites as one unit.
type Composite interface {
	Handle
	Children() []Handle
}

// Service is the distributed lock primitive.
//
// TryAcquire waits up to wait for h (0 means a single attempt, WaitForever
// means no bound other than ctx) and, once acquired, lets the lock expire
// after lease unless lease is 0. It returns ctx.Err() when the context ends
// first and never leaves part of a composite acquired.
//
// Release returns errors.ErrNotHeld when h is not held by this handle any
// longer and errors.ErrUnavailable when the backing store cannot be reached.
//
// DisplayName returns "" for handles the service did not issue.
type Service interface {
	GetLock(name string) Handle
	GetCompositeLock(handles ...Handle) Handle
	TryAcquire(ctx context.Context, h Handle, wait, lease time.Duration) (bool, error)
	Release(ctx context.Context, h Handle) error
	DisplayName(h Handle) string
}

// Leaves flattens h into the names of its single locks, in order and without
// duplicates.
func Leaves(h Handle) []string {
	var out []string
	seen := make(map[string]struct{})
	var walk func(Handle)
	walk = func(h Handle) {
		if c, ok := h.(Composite); ok {
			for _, child := range c.Children() {
				walk(child)
			}
			return
		}
		name := h.Name()
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	walk(h)
	return out
}

// FormatNames renders the display name of a composite lock.
func FormatNames(names []string) string {
	return "[" + strings.Join(names, ",") + "]"
}

func childNames(children []Handle) []string {
	names := make([]string, len(children))
	for i, c := range children {
		names[i] = c.Name()
	}
	return names
}
