package presets

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"

	"github.com/limbo-world/limbo-locker/v1/aspect"
	"github.com/limbo-world/limbo-locker/v1/attribute"
	"github.com/limbo-world/limbo-locker/v1/config"
	"github.com/limbo-world/limbo-locker/v1/logging"
)

var place = attribute.Method{Name: "Place"}

func orderRegistry(t *testing.T) *attribute.Registry {
	t.Helper()
	attr, err := attribute.NewSingle(attribute.WithExpression("'order:' + arg0"), attribute.WithWaitTime(0))
	if err != nil {
		t.Fatalf("attribute: %v", err)
	}
	reg := attribute.NewRegistry()
	if err := reg.RegisterMethod("OrderService", "Place", attr); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func placeOrder(id string) aspect.Invocation {
	return aspect.Invocation{Method: place, Target: "OrderService", Args: []any{id}}
}

// heldElsewhere reports whether name is taken, as seen by a fresh handle of
// the same service.
func heldElsewhere(t *testing.T, l *Locker, name string) bool {
	t.Helper()
	svc := l.Template().Service()
	h := svc.GetLock(name)
	ok, err := svc.TryAcquire(context.Background(), h, 0, 0)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if ok {
		if err := svc.Release(context.Background(), h); err != nil {
			t.Fatalf("probe release: %v", err)
		}
	}
	return !ok
}

func TestNewInMemoryStandalone(t *testing.T) {
	l := NewInMemoryStandalone(Options{Registry: orderRegistry(t)})
	defer l.Close()
	ctx := context.Background()

	var during bool
	res, err := l.Invoke(ctx, placeOrder("42"), func(context.Context) (any, error) {
		during = heldElsewhere(t, l, "order:42")
		return "placed", nil
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res != "placed" {
		t.Fatalf("expected placed, got %v", res)
	}
	if !during {
		t.Fatalf("expected order:42 held during the operation")
	}
	if heldElsewhere(t, l, "order:42") {
		t.Fatalf("expected order:42 released")
	}
}

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := NewRedis(RedisOptions{
		Options:       Options{Registry: orderRegistry(t), Logger: logging.NewNop()},
		Addrs:         []string{mr.Addr()},
		KeyPrefix:     "shop:",
		RetryInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	defer l.Close()

	var during bool
	_, err = l.Invoke(context.Background(), placeOrder("7"), func(context.Context) (any, error) {
		during = mr.Exists("shop:order:7")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !during {
		t.Fatalf("expected shop:order:7 in redis during the operation")
	}
	if mr.Exists("shop:order:7") {
		t.Fatalf("expected shop:order:7 deleted")
	}
}

func TestNewEtcdWithoutEndpoints(t *testing.T) {
	if _, err := NewEtcd(EtcdOptions{}); err == nil {
		t.Fatalf("expected an error without endpoints")
	}
}

func quietConfig(backend config.BackendConfig) *config.Config {
	return &config.Config{
		Locker:  config.LockerConfig{Evaluator: "govaluate"},
		Logging: logging.Config{Outputs: []string{"none"}},
		Backend: backend,
		Locks: []config.LockEntry{{
			Type:       "OrderService",
			Method:     "Place",
			Kind:       "single",
			Expression: "'order:' + arg0",
		}},
	}
}

func TestFromConfigInMemory(t *testing.T) {
	for _, bus := range []string{"none", "memory"} {
		t.Run(bus, func(t *testing.T) {
			cfg := quietConfig(config.BackendConfig{Type: "memory", Bus: config.BusConfig{Type: bus}})
			l, err := FromConfig(cfg, nil)
			if err != nil {
				t.Fatalf("FromConfig failed: %v", err)
			}
			defer l.Close()

			var during bool
			if _, err := l.Invoke(context.Background(), placeOrder("1"), func(context.Context) (any, error) {
				during = heldElsewhere(t, l, "order:1")
				return nil, nil
			}); err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}
			if !during {
				t.Fatalf("expected order:1 held during the operation")
			}
		})
	}
}

func TestFromConfigRedisWithNATSBus(t *testing.T) {
	mr := miniredis.RunT(t)
	ns := natsserver.RunRandClientPortServer()
	defer ns.Shutdown()

	cfg := quietConfig(config.BackendConfig{
		Type:  "redis",
		Redis: config.RedisConfig{Addrs: []string{mr.Addr()}, KeyPrefix: "locker:"},
		Bus:   config.BusConfig{Type: "nats", NATSURL: ns.ClientURL(), FailureThreshold: 3, OpenTimeout: time.Second},
	})
	l, err := FromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	defer l.Close()

	var during bool
	if _, err := l.Invoke(context.Background(), placeOrder("9"), func(context.Context) (any, error) {
		during = mr.Exists("locker:order:9")
		return nil, nil
	}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !during {
		t.Fatalf("expected locker:order:9 in redis during the operation")
	}
}

func TestFromConfigRejectsRedisBusWithoutRedis(t *testing.T) {
	cfg := quietConfig(config.BackendConfig{Type: "memory", Bus: config.BusConfig{Type: "redis"}})
	if _, err := FromConfig(cfg, nil); err == nil {
		t.Fatalf("expected an error for a redis bus on the memory backend")
	}
}

func TestFromConfigRejectsInvalidLock(t *testing.T) {
	cfg := quietConfig(config.BackendConfig{Type: "memory", Bus: config.BusConfig{Type: "none"}})
	cfg.Locks[0].Expression = ""
	if _, err := FromConfig(cfg, nil); err == nil {
		t.Fatalf("expected an error for a lock without name")
	}
}
