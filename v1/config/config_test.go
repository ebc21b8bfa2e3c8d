package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limbo-world/limbo-locker/v1/attribute"
	lockerrors "github.com/limbo-world/limbo-locker/v1/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "expr", cfg.Locker.Evaluator)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Backend.Type)
	assert.Equal(t, "none", cfg.Backend.Bus.Type)
	assert.Equal(t, 5, cfg.Backend.Bus.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Backend.Bus.OpenTimeout)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Backend.Redis.Addrs)
	assert.Equal(t, 50*time.Millisecond, cfg.Backend.Redis.RetryInterval)
	assert.Equal(t, 5*time.Second, cfg.Backend.Etcd.DialTimeout)
	assert.Equal(t, 10, cfg.Backend.Etcd.SessionTTL)
	assert.Empty(t, cfg.Locks)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load("testdata/locker.yaml")
	require.NoError(t, err)

	assert.Equal(t, "govaluate", cfg.Locker.Evaluator)
	assert.True(t, cfg.Locker.Tracing)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "redis", cfg.Backend.Type)
	assert.Equal(t, []string{"10.0.0.1:6379"}, cfg.Backend.Redis.Addrs)
	assert.Equal(t, "{orders}:", cfg.Backend.Redis.KeyPrefix)
	assert.Equal(t, 20*time.Millisecond, cfg.Backend.Redis.RetryInterval)
	assert.Equal(t, "redis", cfg.Backend.Bus.Type)
	require.Len(t, cfg.Locks, 2)
	assert.Equal(t, "OrderService.Place", cfg.Locks[0].String())
	assert.Equal(t, "Ledger", cfg.Locks[1].String())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LOCKER_BACKEND_TYPE", "etcd")
	t.Setenv("LOCKER_LOGGING_LEVEL", "warn")

	cfg, err := Load("testdata/locker.yaml")
	require.NoError(t, err)
	assert.Equal(t, "etcd", cfg.Backend.Type)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	_, err := Load("testdata/invalid_backend.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Backend.Type")
}

func TestLoadRejectsLockWithoutName(t *testing.T) {
	_, err := Load("testdata/invalid_lock.yaml")
	require.Error(t, err)
	assert.ErrorIs(t, err, lockerrors.ErrInvalidAttribute)
	assert.Contains(t, err.Error(), "OrderService.Place")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("testdata/missing.yaml")
	require.Error(t, err)
}

func TestValidateBackendSettings(t *testing.T) {
	cfg := &Config{
		Backend: BackendConfig{Type: "etcd", Bus: BusConfig{Type: "none"}},
	}
	require.Error(t, cfg.Validate())

	cfg.Backend.Etcd.Endpoints = []string{"localhost:2379"}
	require.NoError(t, cfg.Validate())

	cfg.Backend.Bus.Type = "nats"
	require.Error(t, cfg.Validate())
	cfg.Backend.Bus.NATSURL = "nats://localhost:4222"
	require.NoError(t, cfg.Validate())
}

func TestLockEntryAttribute(t *testing.T) {
	wait, hold, retry := int64(250), int64(0), 5
	single := LockEntry{
		Type:       "OrderService",
		Method:     "Place",
		Kind:       "single",
		Expression: "'order:' + arg0",
		WaitTime:   &wait,
		HoldTime:   &hold,
		RetryTimes: &retry,
	}
	attr, err := single.Attribute()
	require.NoError(t, err)
	assert.Equal(t, attribute.Single, attr.Kind())
	assert.Equal(t, "'order:' + arg0", attr.Expression())
	assert.Equal(t, 250*time.Millisecond, attr.WaitTime())
	assert.Equal(t, time.Duration(0), attr.HoldTime())
	assert.Equal(t, 5, attr.RetryTimes())
	assert.False(t, attr.Block())

	block := true
	multi := LockEntry{
		Type:          "Ledger",
		Kind:          "multi",
		Names:         []string{"b", "a"},
		Block:         &block,
		AutoSortNames: true,
		Evaluator:     "govaluate",
	}
	attr, err = multi.Attribute()
	require.NoError(t, err)
	assert.Equal(t, attribute.Multi, attr.Kind())
	assert.Equal(t, []string{"b", "a"}, attr.Names())
	assert.True(t, attr.Block())
	assert.True(t, attr.AutoSortNames())
	assert.Equal(t, "govaluate", attr.Evaluator())
	assert.Equal(t, attribute.DefaultWaitTime, attr.WaitTime())
	assert.Equal(t, attribute.DefaultHoldTime, attr.HoldTime())
	assert.Equal(t, attribute.DefaultRetryTimes, attr.RetryTimes())

	_, err = LockEntry{Type: "X", Kind: "both"}.Attribute()
	assert.ErrorIs(t, err, lockerrors.ErrInvalidAttribute)
}

func TestRegistry(t *testing.T) {
	cfg, err := Load("testdata/locker.yaml")
	require.NoError(t, err)

	reg, err := cfg.Registry()
	require.NoError(t, err)

	place := reg.FindMethod("OrderService", "Place")
	require.NotNil(t, place)
	assert.Equal(t, "'order:' + arg0", place.Expression())
	assert.Equal(t, 5, place.RetryTimes())

	ledger := reg.FindType("Ledger")
	require.NotNil(t, ledger)
	assert.True(t, ledger.Block())
	assert.Nil(t, reg.FindMethod("Ledger", "Post"))
}
