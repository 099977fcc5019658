package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/maciekb2/content-pipeline/pkg/store"
	"github.com/spf13/cobra"
)

func stateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "state <content-id>",
		Short: "Show the moderation state of an article",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.store.Get(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("content %s not found", args[0])
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "id\t%s\n", c.ID)
			fmt.Fprintf(w, "slug\t%s\n", c.Slug)
			fmt.Fprintf(w, "state\t%s\n", c.State)
			fmt.Fprintf(w, "updated\t%s\n", c.UpdatedAt.Format("2006-01-02 15:04:05"))
			if c.RejectReason != "" {
				fmt.Fprintf(w, "reason\t%s\n", c.RejectReason)
			}
			if c.Analysis != nil && len(c.Analysis.Keywords) > 0 {
				fmt.Fprintf(w, "keywords\t%s\n", strings.Join(c.Analysis.Keywords, ", "))
			}
			if c.State == flow.StatePublished {
				doc, err := a.store.IndexDocument(ctx, c.ID)
				if err != nil {
					return fmt.Errorf("index document: %w", err)
				}
				fmt.Fprintf(w, "embedding\t%d dims\n", len(doc.Embedding))
			}
			return w.Flush()
		},
	}
}
