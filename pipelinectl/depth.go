package main

import (
	"fmt"

	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/spf13/cobra"
)

func depthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "depth <stage>",
		Short: "Show the backlog of a stage queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := bus.LookupQueue(args[0])
			if err != nil {
				return err
			}
			depth, err := a.bus.Depth(cmd.Context(), q.Name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", q.Name, depth)
			return nil
		},
	}
}
