package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and job queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, status)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Daemon:      running=%s pid=%d\n", yesNo(status.Running), status.PID)
			fmt.Fprintf(out, "Dispatcher:  active=%s\n", yesNo(status.DispatcherActive))
			if status.DispatcherError != "" {
				fmt.Fprintf(out, "Last error:  %s\n", status.DispatcherError)
			}
			fmt.Fprintf(out, "Database:    %s\n", status.DatabasePath)
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderTable(
				[]string{"TOTAL", "QUEUED", "ACTIVE", "DONE", "DEADLETTER"},
				[][]string{{
					formatCount(status.Jobs.Total),
					formatCount(status.Jobs.Queued),
					formatCount(status.Jobs.Active),
					formatCount(status.Jobs.Done),
					formatCount(status.Jobs.Deadletter),
				}},
				[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of text")
	return cmd
}
