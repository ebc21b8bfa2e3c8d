package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus over Redis pub/sub, so notifications reach every
// process sharing the Redis deployment that backs the locks.
type RedisBus struct {
	client redis.UniversalClient

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a RedisBus publishing through client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	if err := b.client.Publish(ctx, topic, "1").Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. One Redis subscription is shared by
// all local subscribers of the same topic.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		ps := b.client.Subscribe(context.Background(), topic)
		// wait for the subscription to be confirmed so that no publish
		// issued after Subscribe returns can be missed
		if _, err := ps.Receive(ctx); err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			return nil, err
		}
		sub = &redisSubscription{pubsub: ps}
		b.subs[topic] = sub
		go b.dispatch(topic, sub)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(topic string, sub *redisSubscription) {
	for range sub.pubsub.Channel() {
		b.mu.Lock()
		if b.subs[topic] == sub {
			fanout(sub.chans, &b.delivered)
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe. The Redis subscription is closed
// with its last local subscriber.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, topic)
	b.mu.Unlock()
	return sub.pubsub.Close()
}

// Close drops every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*redisSubscription)
	b.mu.Unlock()
	var firstErr error
	for _, sub := range subs {
		for _, c := range sub.chans {
			close(c)
		}
		if err := sub.pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
