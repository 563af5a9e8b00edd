package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var after string
	var afterID string
	var limit int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the pipeline transition feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cursor time.Time
			if after != "" {
				parsed, err := time.Parse(time.RFC3339Nano, after)
				if err != nil {
					return fmt.Errorf("parse --after: %w", err)
				}
				cursor = parsed
			}

			client, err := ctx.client()
			if err != nil {
				return err
			}
			feed, err := client.Events(cmd.Context(), cursor, afterID, limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, feed)
			}
			if len(feed.Events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No events")
				return nil
			}

			rows := make([][]string, 0, len(feed.Events))
			for _, event := range feed.Events {
				rows = append(rows, []string{
					event.CreatedAt,
					shortID(event.DocumentID),
					event.FromStatus,
					event.ToStatus,
					event.Detail,
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]string{"AT", "DOCUMENT", "FROM", "TO", "DETAIL"},
				rows, nil,
			))
			if feed.Next != "" {
				fmt.Fprintf(out, "Resume with --after %s --after-id %s\n", feed.Next, feed.NextID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&after, "after", "", "Only events after this RFC3339 cursor")
	cmd.Flags().StringVar(&afterID, "after-id", "", "Event id paired with --after to resume within a timestamp")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of text")
	return cmd
}
