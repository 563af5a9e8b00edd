package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"millrace/internal/logging"
	"millrace/internal/migrate"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Backfill deterministic identity onto legacy rows",
	}
	migrateCmd.AddCommand(newMigratePlanCommand(ctx))
	migrateCmd.AddCommand(newMigrateRunCommand(ctx))
	return migrateCmd
}

func newMigratePlanCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "List documents whose identity would be rewritten",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			engine := migrate.New(cfg, store, logging.NewNop())
			candidates, err := engine.Plan(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, candidates)
			}
			if len(candidates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "All identities are deterministic; nothing to migrate")
				return nil
			}

			rows := make([][]string, 0, len(candidates))
			for _, candidate := range candidates {
				rows = append(rows, []string{
					candidate.OldDocumentID,
					shortID(candidate.NewDocumentID),
					string(candidate.Status),
					formatCount(candidate.ChunkCount),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"CURRENT ID", "NEW ID", "STATUS", "CHUNKS"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of text")
	return cmd
}

func newMigrateRunCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var dryRun bool
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the identity backfill",
		Long: "Run rewrites legacy document and chunk identifiers to their " +
			"deterministic values, one document per transaction. Stop the " +
			"daemon first; concurrent stage processing can hold row locks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			engine := migrate.New(cfg, store, logging.NewNop())
			result, err := engine.Run(cmd.Context(), limit, dryRun)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, result)
			}

			out := cmd.OutOrStdout()
			if result.DryRun {
				fmt.Fprintf(out, "Dry run: %d of %d scanned documents would migrate\n",
					result.Candidates, result.Scanned)
				return nil
			}
			fmt.Fprintf(out, "Migrated %d document(s), %d failed (of %d candidates)\n",
				result.Migrated, result.Failed, result.Candidates)
			for _, item := range result.Items {
				if item.Error != "" {
					fmt.Fprintf(out, "  FAILED %s: %s\n", item.OldDocumentID, item.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Migrate at most this many documents (0 = all)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Plan only; touch nothing")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of text")
	return cmd
}
