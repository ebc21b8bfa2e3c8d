package main

import (
	"context"
	"errors"
	"os/exec"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/limbo-world/limbo-locker/v1/config"
	"github.com/limbo-world/limbo-locker/v1/logging"
	"github.com/limbo-world/limbo-locker/v1/presets"
)

type rootOptions struct {
	configPath string
	logLevel   string
	trace      bool
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "lockctl",
		Short:         "lockctl runs commands under distributed locks",
		Long:          `lockctl takes named locks on the configured backend (memory, Redis or etcd) around a command, and previews the lock names of configured operations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "Path to the locker YAML configuration")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the configuration")
	cmd.PersistentFlags().BoolVar(&o.trace, "trace", false, "Print lock spans to stderr")

	cmd.AddCommand(newExecCmd(o), newResolveCmd(o))
	return cmd
}

// session is the state shared by the subcommands for one run.
type session struct {
	cfg    *config.Config
	logger *zap.Logger
	locker *presets.Locker
	flush  func(context.Context) error
}

func (o *rootOptions) open(ctx context.Context) (*session, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	logger, err := logging.Build(cfg.Logging)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: logger, flush: func(context.Context) error { return nil }}
	if o.trace {
		if s.flush, err = installTracing(); err != nil {
			return nil, err
		}
		cfg.Locker.Tracing = true
	}
	if s.locker, err = presets.FromConfig(cfg, logger); err != nil {
		_ = s.flush(ctx)
		return nil, err
	}
	return s, nil
}

func (s *session) close(ctx context.Context) {
	if err := s.locker.Close(); err != nil {
		s.logger.Warn("closing backend", zap.Error(err))
	}
	if err := s.flush(ctx); err != nil {
		s.logger.Warn("flushing spans", zap.Error(err))
	}
	_ = s.logger.Sync()
}

// exitCode mirrors the exit status of a guarded command that failed.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return 1
}
