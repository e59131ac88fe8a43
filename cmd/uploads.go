package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/truth-pipeline/internal/model"
	"github.com/sells-group/truth-pipeline/internal/orchestrator"
	"github.com/sells-group/truth-pipeline/internal/store"
)

var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "Inspect and operate on uploads",
}

var (
	listStatus      string
	listNeedsReview bool
	listLimit       int
)

var uploadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploads, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		filter := store.UploadFilter{Limit: listLimit}
		if listStatus != "" {
			filter.Status = model.UploadStatus(listStatus)
			if err := orchestrator.ValidateStatus(filter.Status); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("needs-review") {
			filter.NeedsReview = &listNeedsReview
		}

		uploads, err := env.Store.ListUploads(ctx, filter)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tENTITY\tPRIORITY\tRETRIES\tREVIEW\tUPDATED") //nolint:errcheck
		for _, u := range uploads {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%t\t%s\n", //nolint:errcheck
				u.ID, u.Status, u.EntityType, u.Priority, u.RetryCount, u.NeedsReview,
				u.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	},
}

var showCanonicals bool

var uploadsShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show an upload with its execution log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		u, err := env.Orchestrator.Get(ctx, args[0])
		if err != nil {
			return err
		}
		execs, err := env.Store.ListExecutions(ctx, u.ID)
		if err != nil {
			return err
		}
		out := struct {
			*model.Upload
			Executions []model.ExecutionRecord `json:"executions"`
			Canonicals []model.CanonicalRecord `json:"canonicals,omitempty"`
		}{Upload: u, Executions: execs}
		if showCanonicals {
			if out.Canonicals, err = env.Store.ListCanonicals(ctx, u.ID); err != nil {
				return err
			}
		}
		return printJSON(cmd, out)
	},
}

// uploadAction builds a subcommand that applies one orchestrator operation.
func uploadAction(use, short string, op func(*orchestrator.Orchestrator, context.Context, string) (*model.Upload, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := initEnv(cmd.Context(), cfg, "cli")
			if err != nil {
				return err
			}
			defer env.Close()

			u, err := op(env.Orchestrator, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, u)
		},
	}
}

func init() {
	uploadsListCmd.Flags().StringVar(&listStatus, "status", "", "only uploads in this status")
	uploadsListCmd.Flags().BoolVar(&listNeedsReview, "needs-review", false, "only uploads flagged (or, with =false, not flagged) for review")
	uploadsListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum uploads to list")
	uploadsShowCmd.Flags().BoolVar(&showCanonicals, "canonicals", false, "include canonical records")

	uploadsCmd.AddCommand(uploadsListCmd, uploadsShowCmd,
		uploadAction("retry", "Retry an upload in error from its failed stage", (*orchestrator.Orchestrator).Retry),
		uploadAction("cancel", "Cancel an upload at its next stage boundary", (*orchestrator.Orchestrator).Cancel),
		uploadAction("renormalize", "Re-run normalization of an upload with the current rules", (*orchestrator.Orchestrator).Renormalize),
	)
	rootCmd.AddCommand(uploadsCmd)
}
