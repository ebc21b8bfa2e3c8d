// Package presets wires complete lock supports for the common deployments.
package presets

import (
	"errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/limbo-world/limbo-locker/v1/aspect"
	"github.com/limbo-world/limbo-locker/v1/attribute"
	"github.com/limbo-world/limbo-locker/v1/config"
	"github.com/limbo-world/limbo-locker/v1/evaluation"
	"github.com/limbo-world/limbo-locker/v1/lock"
	"github.com/limbo-world/limbo-locker/v1/lock/etcd"
	"github.com/limbo-world/limbo-locker/v1/logging"
	"github.com/limbo-world/limbo-locker/v1/syncbus"
	"github.com/limbo-world/limbo-locker/v1/template"
)

// Options holds the settings shared by every preset.
type Options struct {
	// Registry holds the lock declarations. Nil means none.
	Registry *attribute.Registry
	Logger   *zap.Logger
	// Evaluator names the default name evaluator, "expr" when empty.
	Evaluator string
	Tracing   bool
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Options
	Addrs         []string
	Username      string
	Password      string
	DB            int
	KeyPrefix     string
	RetryInterval time.Duration
	// NATSURL routes release notifications through NATS instead of Redis
	// pub/sub when set.
	NATSURL string
	Breaker BreakerOptions
}

// BreakerOptions guards a remote release bus with a circuit breaker. A zero
// FailureThreshold leaves the bus unguarded.
type BreakerOptions struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

func (b BreakerOptions) wrap(bus syncbus.Bus) syncbus.Bus {
	if b.FailureThreshold <= 0 {
		return bus
	}
	return syncbus.NewCircuitBreaker(bus, b.FailureThreshold, b.OpenTimeout)
}

// EtcdOptions configures the connection to etcd.
type EtcdOptions struct {
	Options
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	SessionTTL  int
}

// Locker is a ready Support together with the connections it owns.
type Locker struct {
	*aspect.Support
	closers []func() error
}

// Close releases the connections opened by the preset, newest first.
func (l *Locker) Close() error {
	var errs []error
	for i := len(l.closers) - 1; i >= 0; i-- {
		errs = append(errs, l.closers[i]())
	}
	l.closers = nil
	return errors.Join(errs...)
}

func (l *Locker) onClose(fn func() error) { l.closers = append(l.closers, fn) }

func newLocker(svc lock.Service, o Options) *Locker {
	logger := logging.OrNop(o.Logger)
	reg := o.Registry
	if reg == nil {
		reg = attribute.NewRegistry()
	}
	source := attribute.NewCachingSource(reg, attribute.WithLogger(logger))

	tplOpts := []template.Option{template.WithLogger(logger)}
	if o.Tracing {
		tplOpts = append(tplOpts, template.WithTracing())
	}
	tpl := template.New(svc, tplOpts...)

	opts := []aspect.Option{
		aspect.WithLogger(logger),
		aspect.WithEvaluatorRegistry(evaluation.NewDefaultRegistry(logger)),
	}
	if o.Evaluator != "" {
		opts = append(opts, aspect.WithEvaluatorName(o.Evaluator))
	}
	return &Locker{Support: aspect.New(source, tpl, opts...)}
}

// NewInMemoryStandalone returns a Locker whose locks live in this process
// only. Useful for local development and tests.
func NewInMemoryStandalone(o Options) *Locker {
	return newLocker(lock.NewInMemory(syncbus.NewInMemoryBus()), o)
}

// NewRedis returns a Locker keeping its locks in Redis. Release
// notifications use Redis pub/sub unless NATSURL is set.
func NewRedis(o RedisOptions) (*Locker, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    o.Addrs,
		Username: o.Username,
		Password: o.Password,
		DB:       o.DB,
	})

	var bus syncbus.Bus
	var closeBus func() error
	if o.NATSURL != "" {
		conn, err := nats.Connect(o.NATSURL)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("presets: connect nats: %w", err)
		}
		bus = syncbus.NewNATSBus(conn)
		closeBus = func() error { conn.Close(); return nil }
	} else {
		rb := syncbus.NewRedisBus(client)
		bus = rb
		closeBus = rb.Close
	}

	var opts []lock.RedisOption
	if o.KeyPrefix != "" {
		opts = append(opts, lock.WithKeyPrefix(o.KeyPrefix))
	}
	if o.RetryInterval > 0 {
		opts = append(opts, lock.WithRetryInterval(o.RetryInterval))
	}
	l := newLocker(lock.NewRedis(client, o.Breaker.wrap(bus), opts...), o.Options)
	l.onClose(client.Close)
	l.onClose(closeBus)
	return l, nil
}

// NewEtcd returns a Locker keeping its locks in etcd. Hold times are bound
// to the etcd session lease.
func NewEtcd(o EtcdOptions) (*Locker, error) {
	client, err := etcd.NewClient(o.Endpoints, o.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("presets: connect etcd: %w", err)
	}
	var opts []etcd.Option
	if o.Prefix != "" {
		opts = append(opts, etcd.WithPrefix(o.Prefix))
	}
	if o.SessionTTL > 0 {
		opts = append(opts, etcd.WithSessionTTL(o.SessionTTL))
	}
	l := newLocker(etcd.New(client, opts...), o.Options)
	l.onClose(client.Close)
	return l, nil
}

// FromConfig builds the Locker described by cfg. A nil logger is built from
// the logging section.
func FromConfig(cfg *config.Config, logger *zap.Logger) (*Locker, error) {
	if logger == nil {
		var err error
		if logger, err = logging.Build(cfg.Logging); err != nil {
			return nil, err
		}
	}
	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	o := Options{
		Registry:  reg,
		Logger:    logger,
		Evaluator: cfg.Locker.Evaluator,
		Tracing:   cfg.Locker.Tracing,
	}

	b := cfg.Backend
	switch b.Type {
	case "memory":
		return newInMemoryFromConfig(b.Bus, o)
	case "redis":
		ro := RedisOptions{
			Options:       o,
			Addrs:         b.Redis.Addrs,
			Username:      b.Redis.Username,
			Password:      b.Redis.Password,
			DB:            b.Redis.DB,
			KeyPrefix:     b.Redis.KeyPrefix,
			RetryInterval: b.Redis.RetryInterval,
			Breaker:       breakerOf(b.Bus),
		}
		if b.Bus.Type == "nats" {
			ro.NATSURL = b.Bus.NATSURL
		}
		return NewRedis(ro)
	case "etcd":
		if b.Bus.Type != "none" {
			logger.Warn("etcd backend ignores the release bus", zap.String("bus", b.Bus.Type))
		}
		return NewEtcd(EtcdOptions{
			Options:     o,
			Endpoints:   b.Etcd.Endpoints,
			DialTimeout: b.Etcd.DialTimeout,
			Prefix:      b.Etcd.Prefix,
			SessionTTL:  b.Etcd.SessionTTL,
		})
	default:
		return nil, fmt.Errorf("presets: unknown backend %q", b.Type)
	}
}

func newInMemoryFromConfig(bc config.BusConfig, o Options) (*Locker, error) {
	switch bc.Type {
	case "none":
		return newLocker(lock.NewInMemory(nil), o), nil
	case "memory":
		return NewInMemoryStandalone(o), nil
	case "nats":
		conn, err := nats.Connect(bc.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("presets: connect nats: %w", err)
		}
		l := newLocker(lock.NewInMemory(breakerOf(bc).wrap(syncbus.NewNATSBus(conn))), o)
		l.onClose(func() error { conn.Close(); return nil })
		return l, nil
	default:
		return nil, fmt.Errorf("presets: %s bus needs the redis backend", bc.Type)
	}
}

func breakerOf(bc config.BusConfig) BreakerOptions {
	return BreakerOptions{FailureThreshold: bc.FailureThreshold, OpenTimeout: bc.OpenTimeout}
}
