package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/go-redis/redis/v8"
	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/spf13/cobra"
)

func dlqCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay archived dead letters",
	}
	cmd.AddCommand(dlqListCmd(a), dlqReplayCmd(a))
	return cmd
}

func dlqListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list <stage>",
		Short: "List the dead letters of a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := bus.LookupQueue(args[0])
			if err != nil {
				return err
			}
			raw, err := a.rdb.LRange(cmd.Context(), bus.DeadLetterKey(q.Stage), 0, -1).Result()
			if err != nil {
				return err
			}
			if len(raw) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no dead letters for %s\n", q.Stage)
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tRECEIVED\tDELIVERED\tSUBJECT\tPAYLOAD\tREASON")
			for i, r := range raw {
				var entry flow.DeadLetter
				if err := json.Unmarshal([]byte(r), &entry); err != nil {
					fmt.Fprintf(w, "%d\t-\t-\t-\t-\tunreadable entry: %v\n", i, err)
					continue
				}
				payload, err := bus.DecodePayload(entry)
				if err != nil {
					payload = []byte("<undecodable>")
				}
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n", i, entry.ReceivedAt, entry.NumDelivered, entry.Subject, payload, entry.Reason)
			}
			return w.Flush()
		},
	}
}

func dlqReplayCmd(a *app) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "replay <stage>",
		Short: "Republish the oldest dead letters onto the stage queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			q, err := bus.LookupQueue(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			key := bus.DeadLetterKey(q.Stage)

			replayed := 0
			for replayed < count {
				raw, err := a.rdb.LIndex(ctx, key, 0).Result()
				if err == redis.Nil {
					break
				}
				if err != nil {
					return err
				}
				var entry flow.DeadLetter
				if err := json.Unmarshal([]byte(raw), &entry); err != nil {
					return fmt.Errorf("entry %d: %w", replayed, err)
				}
				payload, err := bus.DecodePayload(entry)
				if err != nil {
					return fmt.Errorf("entry %d payload: %w", replayed, err)
				}
				// The archive entry is removed only after the broker accepted
				// the replay.
				if _, err := a.bus.Publish(ctx, q.Name, payload, nil); err != nil {
					return fmt.Errorf("replay to %s: %w", q.Name, err)
				}
				if err := a.rdb.LRem(ctx, key, 1, raw).Err(); err != nil {
					return err
				}
				replayed++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d dead letters to %s\n", replayed, q.Name)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of entries to replay")
	return cmd
}
