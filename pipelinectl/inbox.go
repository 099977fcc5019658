package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/go-redis/redis/v8"
	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/spf13/cobra"
)

func inboxCmd(a *app) *cobra.Command {
	var (
		limit    int64
		markRead bool
	)

	cmd := &cobra.Command{
		Use:   "inbox <user-id>",
		Short: "Show a user's notifications, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("user id %q: %w", args[0], err)
			}
			if limit < 1 {
				limit = a.cfg.Inbox.Limit
			}
			ctx := cmd.Context()

			raw, err := a.rdb.LRange(ctx, flow.InboxKey(userID), 0, limit-1).Result()
			if err != nil {
				return err
			}
			unread, err := a.rdb.Get(ctx, flow.UnreadKey(userID)).Int64()
			if err != nil && err != redis.Nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d unread\n", unread)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, r := range raw {
				var e flow.InboxEntry
				if err := json.Unmarshal([]byte(r), &e); err != nil {
					continue
				}
				actor := "system"
				if e.ActorID != nil {
					actor = strconv.FormatInt(*e.ActorID, 10)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt, e.EventType, e.ResourceSlug, actor, e.Content)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if markRead {
				return a.rdb.Set(ctx, flow.UnreadKey(userID), 0, 0).Err()
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 0, "entries to show (defaults to inbox.limit)")
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "reset the unread counter")
	return cmd
}
