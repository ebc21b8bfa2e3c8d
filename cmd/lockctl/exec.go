package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/limbo-world/limbo-locker/v1/lock"
	"github.com/limbo-world/limbo-locker/v1/template"
)

type execOptions struct {
	names    []string
	autoSort bool
	wait     time.Duration
	hold     time.Duration
	retry    int
	block    bool
}

func newExecCmd(root *rootOptions) *cobra.Command {
	def := template.DefaultParams()
	o := &execOptions{}
	cmd := &cobra.Command{
		Use:   "exec --name NAME [flags] -- COMMAND [ARG...]",
		Short: "Run a command while holding one or more locks",
		Long: `Acquires the named lock, or every named lock as one all-or-nothing set, runs the
command and releases the lock(s) when it exits. The exit status of the command is kept.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			s, err := root.open(ctx)
			if err != nil {
				return err
			}
			defer s.close(context.WithoutCancel(ctx))
			return o.run(ctx, cmd, s, args)
		},
	}
	cmd.Flags().StringSliceVarP(&o.names, "name", "n", nil, "Lock name; repeat for a multi lock")
	cmd.Flags().BoolVar(&o.autoSort, "sort", false, "Sort multi lock names before acquiring")
	cmd.Flags().DurationVar(&o.wait, "wait", def.WaitTime, "How long one attempt waits for the lock")
	cmd.Flags().DurationVar(&o.hold, "hold", def.HoldTime, "Lease after which the lock expires; 0 holds until the command exits")
	cmd.Flags().IntVar(&o.retry, "retry", def.RetryTimes, "Number of acquisition attempts")
	cmd.Flags().BoolVar(&o.block, "block", false, "Wait until the lock is free, ignoring --wait and --retry")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func (o *execOptions) run(ctx context.Context, cmd *cobra.Command, s *session, args []string) error {
	tpl := s.locker.Template()
	p := template.Params{Block: o.block, WaitTime: o.wait, HoldTime: o.hold, RetryTimes: o.retry}
	op := func(ctx context.Context) (any, error) {
		c := exec.CommandContext(ctx, args[0], args[1:]...)
		c.Stdin = cmd.InOrStdin()
		c.Stdout = cmd.OutOrStdout()
		c.Stderr = cmd.ErrOrStderr()
		return nil, c.Run()
	}
	onFailure := func(_ context.Context, h lock.Handle, err error) (any, error) {
		s.logger.Debug("guarded command failed",
			zap.String("lock", template.DisplayName(tpl.Service(), h)),
			zap.Error(err))
		return nil, err
	}

	var err error
	if len(o.names) == 1 {
		_, err = tpl.Invoke(ctx, tpl.GetLock(o.names[0]), op, onFailure, p)
	} else {
		_, err = template.NewMulti(tpl).InvokeInMultiLock(ctx, o.names, o.autoSort, op, onFailure, p)
	}
	if err != nil {
		return fmt.Errorf("exec %s: %w", args[0], err)
	}
	return nil
}
