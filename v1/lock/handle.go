package lock

import (
	"sync"
	"time"
)

// acquisition records who currently owns the locks behind a handle issued by
// one of the bundled services. token is empty while the handle is not held.
type acquisition struct {
	keys []string

	mu    sync.Mutex
	token string
	timer *time.Timer
}

func (a *acquisition) set(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

// take clears and returns the current token.
func (a *acquisition) take() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	token := a.token
	a.token = ""
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	return token
}

type singleHandle struct {
	owner Service
	name  string
	acq   *acquisition
}

func newSingle(owner Service, name string) *singleHandle {
	return &singleHandle{owner: owner, name: name, acq: &acquisition{keys: []string{name}}}
}

func (h *singleHandle) Name() string { return h.name }

type compositeHandle struct {
	owner    Service
	children []Handle
	acq      *acquisition
}

func newComposite(owner Service, children []Handle) *compositeHandle {
	c := &compositeHandle{owner: owner, children: append([]Handle(nil), children...)}
	c.acq = &acquisition{keys: Leaves(c)}
	return c
}

func (c *compositeHandle) Name() string { return FormatNames(childNames(c.children)) }

func (c *compositeHandle) Children() []Handle {
	return append([]Handle(nil), c.children...)
}

// ownAcquisition returns the ownership record of h when owner issued it.
func ownAcquisition(owner Service, h Handle) (*acquisition, bool) {
	switch v := h.(type) {
	case *singleHandle:
		if v.owner == owner {
			return v.acq, true
		}
	case *compositeHandle:
		if v.owner == owner {
			return v.acq, true
		}
	}
	return nil, false
}

func displayName(owner Service, h Handle) string {
	if _, ok := ownAcquisition(owner, h); !ok {
		return ""
	}
	return h.Name()
}
