package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDocumentsCommand(ctx *commandContext) *cobra.Command {
	docsCmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "Inspect registered documents",
	}
	docsCmd.AddCommand(newDocumentsListCommand(ctx))
	docsCmd.AddCommand(newDocumentsShowCommand(ctx))
	docsCmd.AddCommand(newDocumentsRemoveCommand(ctx))
	return docsCmd
}

func newDocumentsRemoveCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <document-id>",
		Short: "Delete a document and cascade its chunks, job, and events",
		Long: "Remove is reset tooling: it opens the database directly and " +
			"deletes the document row along with every dependent row. The raw " +
			"store copy is left in place.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.DeleteDocument(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("document %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed document %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func newDocumentsListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			docs, err := client.ListDocuments(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, docs)
			}
			if len(docs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No documents registered")
				return nil
			}

			rows := make([][]string, 0, len(docs))
			for _, doc := range docs {
				rows = append(rows, []string{
					shortID(doc.DocumentID),
					doc.OwnerID,
					doc.Filename,
					formatBytes(doc.ByteLength),
					doc.Status,
					formatAge(doc.UpdatedAt),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "OWNER", "FILENAME", "SIZE", "STATUS", "UPDATED"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by processing status (repeatable)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of text")
	return cmd
}

func newDocumentsShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "show <document-id>",
		Short: "Show one document with its job and transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			detail, err := client.DescribeDocument(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if detail == nil {
				return fmt.Errorf("document %s not found", args[0])
			}
			if jsonOut {
				return writeJSON(cmd, detail)
			}

			out := cmd.OutOrStdout()
			doc := detail.Document
			fmt.Fprintf(out, "Document:  %s\n", doc.DocumentID)
			fmt.Fprintf(out, "Owner:     %s\n", doc.OwnerID)
			fmt.Fprintf(out, "Filename:  %s (%s, %s)\n", doc.Filename, doc.MimeType, formatBytes(doc.ByteLength))
			fmt.Fprintf(out, "Hash:      %s\n", doc.ContentHash)
			fmt.Fprintf(out, "Status:    %s\n", doc.Status)
			fmt.Fprintf(out, "Chunks:    %d\n", detail.ChunkCount)
			if job := detail.Job; job != nil {
				fmt.Fprintf(out, "Job:       #%d state=%s retries=%d/%d\n",
					job.JobID, job.State, job.RetryCount, job.MaxRetries)
				if job.LastError != "" {
					fmt.Fprintf(out, "Last err:  %s\n", job.LastError)
				}
				if job.LeaseOwner != "" {
					fmt.Fprintf(out, "Lease:     %s until %s\n", job.LeaseOwner, job.LeaseExpiresAt)
				}
			}

			if len(detail.Events) > 0 {
				rows := make([][]string, 0, len(detail.Events))
				for _, event := range detail.Events {
					rows = append(rows, []string{
						formatAge(event.CreatedAt),
						event.FromStatus,
						event.ToStatus,
						event.Detail,
					})
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, renderTable(
					[]string{"WHEN", "FROM", "TO", "DETAIL"},
					rows, nil,
				))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of text")
	return cmd
}
