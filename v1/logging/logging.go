// Package logging builds the zap loggers used across the locker packages.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level, encoding and outputs of a logger.
type Config struct {
	Level       string   `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool     `mapstructure:"development"`
	Outputs     []string `mapstructure:"outputs"`
}

// New returns a production logger writing JSON to stderr at level. An empty
// level means info.
func New(level string) (*zap.Logger, error) {
	return Build(Config{Level: level})
}

// Build returns a logger for cfg. A config with "none" as its only output
// yields a no-op logger.
func Build(cfg Config) (*zap.Logger, error) {
	if len(cfg.Outputs) == 1 && cfg.Outputs[0] == "none" {
		return zap.NewNop(), nil
	}
	lvl := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
		}
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	if len(cfg.Outputs) > 0 {
		zc.OutputPaths = cfg.Outputs
	}
	return zc.Build()
}

// NewNop returns a logger that discards everything.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
