package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus carries release notifications between lock clients so that waiters
// can retry as soon as a lock is freed instead of waiting for their next
// poll. Delivery is best effort; a missed event only costs latency.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// ReleaseTopic is the topic published when the lock stored under key is
// released.
func ReleaseTopic(key string) string {
	return "unlock:" + key
}

// Metrics is a snapshot of a bus' delivery counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout delivers one event to every channel without blocking. A full
// channel already has a pending wake-up, which is all a waiter needs.
// Callers hold the lock guarding chans so that none is closed mid-send.
func fanout(chans []chan struct{}, delivered *atomic.Uint64) {
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			delivered.Add(1)
		default:
		}
	}
}

// InMemoryBus is a process-local Bus, used by tests and single-node setups.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.mu.Lock()
	fanout(b.subs[topic], &b.delivered)
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is dropped when ctx
// is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. The channel is closed once.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, c := range subs {
		if c != ch {
			continue
		}
		subs[i] = subs[len(subs)-1]
		subs = subs[:len(subs)-1]
		close(c)
		break
	}
	if len(subs) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = subs
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
