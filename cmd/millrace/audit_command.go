package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"millrace/internal/logging"
	"millrace/internal/validator"
)

func newAuditCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Run a one-shot consistency audit against the pipeline database",
		Long: "Audit opens the database directly and checks deterministic " +
			"identity, duplicate registrations, orphaned rows, and complete " +
			"documents without chunks. It never modifies anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			val := validator.New(cfg, store, logging.NewNop(), nil)
			report, err := val.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("audit: %w", err)
			}
			if jsonOut {
				return writeJSON(cmd, report)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			fmt.Fprintf(out, "Audited %d documents and %d chunks\n",
				report.DocumentsAudited, report.ChunksAudited)
			fmt.Fprintf(out, "Identity drift: %d documents, %d chunks (ratio %.4f)\n",
				len(report.DocumentDrift), len(report.ChunkDrift), report.DriftRatio)
			fmt.Fprintf(out, "Duplicates: %d  Orphans: %d chunks / %d jobs / %d events  Complete without chunks: %d\n",
				len(report.Duplicates),
				report.Orphans.Chunks, report.Orphans.Jobs, report.Orphans.Events,
				report.CompleteWithoutChunks)

			if report.Healthy() {
				fmt.Fprintln(out, statusLine("HEALTHY", colorize, true))
				return nil
			}
			for _, alert := range report.Alerts {
				fmt.Fprintf(out, "  - %s\n", alert)
			}
			fmt.Fprintln(out, statusLine("ALERTS RAISED", colorize, false))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of text")
	return cmd
}

const (
	ansiReset = "\x1b[0m"
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
)

func statusLine(label string, colorize, healthy bool) string {
	if !colorize {
		return label
	}
	if healthy {
		return ansiGreen + label + ansiReset
	}
	return ansiRed + label + ansiReset
}
