package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	lockerrors "github.com/limbo-world/limbo-locker/v1/errors"
	"github.com/limbo-world/limbo-locker/v1/syncbus"
)

// acquireScript sets every key to the caller's token or none of them.
var acquireScript = redis.NewScript(`
for i = 1, #KEYS do
    if redis.call("EXISTS", KEYS[i]) == 1 then
        return 0
    end
end
local ttl = tonumber(ARGV[2])
for i = 1, #KEYS do
    if ttl > 0 then
        redis.call("SET", KEYS[i], ARGV[1], "PX", ttl)
    else
        redis.call("SET", KEYS[i], ARGV[1])
    end
end
return 1
`)

// releaseScript deletes the keys still holding the caller's token and
// returns how many it deleted.
var releaseScript = redis.NewScript(`
local released = 0
for i = 1, #KEYS do
    if redis.call("GET", KEYS[i]) == ARGV[1] then
        redis.call("DEL", KEYS[i])
        released = released + 1
    end
end
return released
`)

const (
	defaultKeyPrefix     = "locker:"
	defaultRetryInterval = 50 * time.Millisecond
)

// Redis implements Service using a Redis backend. Each acquisition stores a
// random token under every key of the handle; composite handles are taken
// and released by a single script. On Redis Cluster all keys of a composite
// must share a hash slot, which a prefix such as "{locker}:" guarantees.
type Redis struct {
	client        redis.UniversalClient
	bus           syncbus.Bus
	prefix        string
	retryInterval time.Duration
}

// RedisOption configures a Redis lock service.
type RedisOption func(*Redis)

// WithKeyPrefix sets the prefix of every key written to Redis.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithRetryInterval sets how often a waiting acquisition polls Redis when no
// release notification arrives.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.retryInterval = d
		}
	}
}

// NewRedis returns a new Redis lock service using the provided client.
// Releases are announced on bus, which may be nil; waiters then rely on
// polling alone.
func NewRedis(client redis.UniversalClient, bus syncbus.Bus, opts ...RedisOption) *Redis {
	r := &Redis{
		client:        client,
		bus:           bus,
		prefix:        defaultKeyPrefix,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetLock implements Service.GetLock.
func (r *Redis) GetLock(name string) Handle { return newSingle(r, name) }

// GetCompositeLock implements Service.GetCompositeLock.
func (r *Redis) GetCompositeLock(handles ...Handle) Handle { return newComposite(r, handles) }

// DisplayName implements Service.DisplayName.
func (r *Redis) DisplayName(h Handle) string { return displayName(r, h) }

func (r *Redis) redisKeys(names []string) []string {
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = r.prefix + n
	}
	return keys
}

// TryAcquire implements Service.TryAcquire.
func (r *Redis) TryAcquire(ctx context.Context, h Handle, wait, lease time.Duration) (bool, error) {
	acq, ok := ownAcquisition(r, h)
	if !ok {
		return false, fmt.Errorf("%w: %T", lockerrors.ErrUnknownHandle, h)
	}
	keys := r.redisKeys(acq.keys)

	var wake <-chan struct{}
	if wait != 0 && r.bus != nil {
		// subscribe before the first attempt so a release in between is seen
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		wake = r.watch(watchCtx, keys)
	}
	var deadline time.Time
	if wait > 0 {
		deadline = time.Now().Add(wait)
	}

	token := uuid.NewString()
	ttl := leaseMillis(lease)
	for {
		res, err := acquireScript.Run(ctx, r.client, keys, token, ttl).Int()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			return false, fmt.Errorf("%w: %v", lockerrors.ErrUnavailable, err)
		}
		if res == 1 {
			acq.set(token)
			return true, nil
		}
		if wait == 0 {
			return false, nil
		}
		pause := r.retryInterval
		if wait > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false, nil
			}
			pause = min(pause, remaining)
		}
		t := time.NewTimer(pause)
		select {
		case <-wake:
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		}
		t.Stop()
	}
}

// watch merges the release notifications of keys into one channel. The
// subscriptions end with ctx.
func (r *Redis) watch(ctx context.Context, keys []string) <-chan struct{} {
	wake := make(chan struct{}, 1)
	for _, k := range keys {
		ch, err := r.bus.Subscribe(ctx, syncbus.ReleaseTopic(k))
		if err != nil {
			// polling still covers this key
			continue
		}
		go func() {
			for range ch {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}()
	}
	return wake
}

// Release implements Service.Release.
func (r *Redis) Release(ctx context.Context, h Handle) error {
	acq, ok := ownAcquisition(r, h)
	if !ok {
		return fmt.Errorf("%w: %T", lockerrors.ErrUnknownHandle, h)
	}
	token := acq.take()
	if token == "" {
		return fmt.Errorf("%w: %s", lockerrors.ErrNotHeld, h.Name())
	}
	keys := r.redisKeys(acq.keys)
	n, err := releaseScript.Run(ctx, r.client, keys, token).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", lockerrors.ErrUnavailable, err)
	}
	if r.bus != nil && n > 0 {
		for _, k := range keys {
			_ = r.bus.Publish(ctx, syncbus.ReleaseTopic(k))
		}
	}
	if n < len(keys) {
		return fmt.Errorf("%w: %s (%d of %d keys expired)", lockerrors.ErrNotHeld, h.Name(), len(keys)-n, len(keys))
	}
	return nil
}

// leaseMillis converts a lease to the PX argument of acquireScript, 0 meaning
// no expiry. Sub-millisecond leases round up so they still expire.
func leaseMillis(lease time.Duration) int64 {
	if lease <= 0 {
		return 0
	}
	ms := lease.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return ms
}
