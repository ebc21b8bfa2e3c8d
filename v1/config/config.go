// Package config loads the locker configuration: backend selection, logging
// and the lock declarations of guarded operations.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/limbo-world/limbo-locker/v1/attribute"
	lockerrors "github.com/limbo-world/limbo-locker/v1/errors"
	"github.com/limbo-world/limbo-locker/v1/logging"
)

// EnvPrefix prefixes the environment variables overriding file values, for
// example LOCKER_BACKEND_TYPE.
const EnvPrefix = "LOCKER"

// Config holds all configuration of a locker deployment.
type Config struct {
	Locker  LockerConfig   `mapstructure:"locker"`
	Logging logging.Config `mapstructure:"logging"`
	Backend BackendConfig  `mapstructure:"backend"`
	Locks   []LockEntry    `mapstructure:"locks" validate:"dive"`
}

// LockerConfig holds engine wide settings.
type LockerConfig struct {
	// Evaluator names the default name evaluator.
	Evaluator string `mapstructure:"evaluator" validate:"omitempty,oneof=expr govaluate"`
	Tracing   bool   `mapstructure:"tracing"`
}

// BackendConfig selects and configures the lock service.
type BackendConfig struct {
	Type  string      `mapstructure:"type" validate:"oneof=memory redis etcd"`
	Redis RedisConfig `mapstructure:"redis"`
	Etcd  EtcdConfig  `mapstructure:"etcd"`
	Bus   BusConfig   `mapstructure:"bus"`
}

// RedisConfig configures the Redis lock service.
type RedisConfig struct {
	Addrs         []string      `mapstructure:"addrs"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db" validate:"gte=0"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	RetryInterval time.Duration `mapstructure:"retry_interval" validate:"gte=0"`
}

// EtcdConfig configures the etcd lock service.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`
	Prefix      string        `mapstructure:"prefix"`
	SessionTTL  int           `mapstructure:"session_ttl" validate:"gte=0"`
}

// BusConfig selects where release notifications travel. Remote buses are
// guarded by a circuit breaker; a zero failure threshold disables it.
type BusConfig struct {
	Type             string        `mapstructure:"type" validate:"oneof=none memory redis nats"`
	NATSURL          string        `mapstructure:"nats_url"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=0"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" validate:"gte=0"`
}

// LockEntry declares the lock of one operation, or of every operation of a
// type when Method is empty. Times are in milliseconds; unset fields take
// the attribute defaults.
type LockEntry struct {
	Type          string   `mapstructure:"type" validate:"required"`
	Method        string   `mapstructure:"method"`
	Kind          string   `mapstructure:"kind" validate:"oneof=single multi"`
	Name          string   `mapstructure:"name"`
	Expression    string   `mapstructure:"expression"`
	Names         []string `mapstructure:"names"`
	Expressions   []string `mapstructure:"expressions"`
	Block         *bool    `mapstructure:"block"`
	WaitTime      *int64   `mapstructure:"wait_time"`
	HoldTime      *int64   `mapstructure:"hold_time"`
	RetryTimes    *int     `mapstructure:"retry_times"`
	Evaluator     string   `mapstructure:"evaluator"`
	AutoSortNames bool     `mapstructure:"auto_sort_names"`
}

// Attribute builds the immutable attribute declared by e.
func (e LockEntry) Attribute() (*attribute.Attribute, error) {
	var opts []attribute.Option
	if e.Block != nil {
		opts = append(opts, attribute.WithBlock(*e.Block))
	}
	if e.WaitTime != nil {
		opts = append(opts, attribute.WithWaitTime(time.Duration(*e.WaitTime)*time.Millisecond))
	}
	if e.HoldTime != nil {
		opts = append(opts, attribute.WithHoldTime(time.Duration(*e.HoldTime)*time.Millisecond))
	}
	if e.RetryTimes != nil {
		opts = append(opts, attribute.WithRetryTimes(*e.RetryTimes))
	}
	if e.Evaluator != "" {
		opts = append(opts, attribute.WithEvaluator(e.Evaluator))
	}
	switch e.Kind {
	case "single":
		opts = append(opts, attribute.WithName(e.Name), attribute.WithExpression(e.Expression))
		return attribute.NewSingle(opts...)
	case "multi":
		opts = append(opts,
			attribute.WithNames(e.Names...),
			attribute.WithExpressions(e.Expressions...),
			attribute.WithAutoSortNames(e.AutoSortNames))
		return attribute.NewMulti(opts...)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", lockerrors.ErrInvalidAttribute, e.Kind)
	}
}

func (e LockEntry) String() string {
	if e.Method == "" {
		return e.Type
	}
	return e.Type + "." + e.Method
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("locker.evaluator", "expr")
	v.SetDefault("logging.level", "info")
	v.SetDefault("backend.type", "memory")
	v.SetDefault("backend.redis.addrs", []string{"localhost:6379"})
	v.SetDefault("backend.redis.key_prefix", "locker:")
	v.SetDefault("backend.redis.retry_interval", "50ms")
	v.SetDefault("backend.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("backend.etcd.dial_timeout", "5s")
	v.SetDefault("backend.etcd.prefix", "/locker/locks/")
	v.SetDefault("backend.etcd.session_ttl", 10)
	v.SetDefault("backend.bus.type", "none")
	v.SetDefault("backend.bus.failure_threshold", 5)
	v.SetDefault("backend.bus.open_timeout", "10s")
}

// Load reads the YAML file at path, applies LOCKER_* environment overrides
// and defaults, and validates the result. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints, then the settings of the selected
// backend and every lock declaration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Backend.Type {
	case "redis":
		if len(c.Backend.Redis.Addrs) == 0 {
			return fmt.Errorf("config: backend.redis.addrs is required")
		}
	case "etcd":
		if len(c.Backend.Etcd.Endpoints) == 0 {
			return fmt.Errorf("config: backend.etcd.endpoints is required")
		}
	}
	if c.Backend.Bus.Type == "nats" && c.Backend.Bus.NATSURL == "" {
		return fmt.Errorf("config: backend.bus.nats_url is required for the nats bus")
	}
	for i, e := range c.Locks {
		if _, err := e.Attribute(); err != nil {
			return fmt.Errorf("config: locks[%d] %s: %w", i, e, err)
		}
	}
	return nil
}

// Registry returns an attribute registry holding every lock declaration.
func (c *Config) Registry() (*attribute.Registry, error) {
	reg := attribute.NewRegistry()
	for i, e := range c.Locks {
		attr, err := e.Attribute()
		if err != nil {
			return nil, fmt.Errorf("config: locks[%d] %s: %w", i, e, err)
		}
		if e.Method == "" {
			err = reg.RegisterType(e.Type, attr)
		} else {
			err = reg.RegisterMethod(e.Type, e.Method, attr)
		}
		if err != nil {
			return nil, fmt.Errorf("config: locks[%d]: %w", i, err)
		}
	}
	return reg, nil
}
