package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/limbo-world/limbo-locker/v1/aspect"
	"github.com/limbo-world/limbo-locker/v1/attribute"
)

type resolveOptions struct {
	typeName   string
	method     string
	declaring  string
	interfaces []string
	synthetic  bool
}

func newResolveCmd(root *rootOptions) *cobra.Command {
	o := &resolveOptions{}
	cmd := &cobra.Command{
		Use:   "resolve --type TYPE --method METHOD [ARG...]",
		Short: "Print the lock names a configured operation resolves to",
		Long: `Looks up the lock declared for TYPE.METHOD in the configuration and evaluates its
names with the given string arguments bound to arg0, arg1, ... No lock is taken.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())
			return o.run(cmd, s, args)
		},
	}
	cmd.Flags().StringVarP(&o.typeName, "type", "t", "", "Target type of the call")
	cmd.Flags().StringVarP(&o.method, "method", "m", "", "Method name")
	cmd.Flags().StringVar(&o.declaring, "declaring", "", "Type declaring the method, when it differs from the target")
	cmd.Flags().StringSliceVar(&o.interfaces, "iface", nil, "Interface the method implements; repeatable")
	cmd.Flags().BoolVar(&o.synthetic, "synthetic", false, "Treat the method as generated, skipping type level locks")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}

func (o *resolveOptions) run(cmd *cobra.Command, s *session, args []string) error {
	inv := aspect.Invocation{
		Method: attribute.Method{
			Name:          o.method,
			DeclaringType: o.declaring,
			Interfaces:    o.interfaces,
			Synthetic:     o.synthetic,
		},
		Target: o.typeName,
		Args:   make([]any, len(args)),
	}
	for i, a := range args {
		inv.Args[i] = a
	}

	attr, res, err := s.locker.Resolve(cmd.Context(), inv)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if attr == nil {
		fmt.Fprintf(out, "%s.%s: no lock\n", o.typeName, o.method)
		return nil
	}
	fmt.Fprintf(out, "attribute: %s\n", attr)
	if attr.Kind() == attribute.Single {
		fmt.Fprintf(out, "lock: %s\n", res.Name)
		return nil
	}
	names := res.Names
	if attr.AutoSortNames() {
		names = slices.Clone(names)
		slices.Sort(names)
	}
	fmt.Fprintf(out, "locks: %s\n", strings.Join(names, ","))
	return nil
}
