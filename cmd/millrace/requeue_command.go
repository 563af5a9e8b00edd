package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newRequeueCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue [job-id...]",
		Short: "Return deadletter jobs to the queue",
		Long: "Requeue moves deadletter jobs back to the start of the pipeline " +
			"with a fresh retry budget. Without arguments every deadletter job " +
			"is requeued.",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobIDs := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid job id %q", arg)
				}
				jobIDs = append(jobIDs, id)
			}

			client, err := ctx.client()
			if err != nil {
				return err
			}
			requeued, err := client.Requeue(cmd.Context(), jobIDs...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d job(s)\n", requeued)
			return nil
		},
	}
	return cmd
}
