package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var owner string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:     "add <file>",
		Aliases: []string{"register"},
		Short:   "Register a local file for pipeline processing",
		Long: "Add hands a file to the running daemon, which copies it into the " +
			"content-addressed raw store and registers it. The path must be " +
			"readable by the daemon process.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(owner) == "" {
				return fmt.Errorf("--owner is required")
			}
			source, err := filepath.Abs(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("resolve source path: %w", err)
			}

			client, err := ctx.client()
			if err != nil {
				return err
			}
			result, err := client.Ingest(cmd.Context(), owner, source)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, result)
			}

			out := cmd.OutOrStdout()
			if result.Created {
				fmt.Fprintf(out, "Registered document %s (%s)\n",
					result.Document.DocumentID, formatBytes(result.Document.ByteLength))
			} else {
				fmt.Fprintf(out, "Content already registered as document %s\n",
					result.Document.DocumentID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner identifier for the document")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of text")
	return cmd
}
