package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/truth-pipeline/internal/domain/finance"
	"github.com/sells-group/truth-pipeline/internal/model"
)

var (
	submitEntity   string
	submitPriority int
	submitCharset  string
	submitProcess  bool
)

var submitCmd = &cobra.Command{
	Use:   "submit FILE",
	Short: "Store a file and enqueue it as an upload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Orchestrator.CheckEntityType(submitEntity); err != nil {
			return err
		}

		path := args[0]
		f, err := os.Open(path)
		if err != nil {
			return eris.Wrapf(err, "open %s", path)
		}
		defer f.Close() //nolint:errcheck

		ref, size, err := env.Blobs.Put(ctx, f)
		if err != nil {
			return err
		}
		u, err := env.Orchestrator.Submit(ctx, model.NewUpload{
			EntityType: submitEntity,
			SourceRef:  ref,
			Filename:   filepath.Base(path),
			Charset:    submitCharset,
			Priority:   submitPriority,
		})
		if err != nil {
			return err
		}
		zap.L().Info("file submitted",
			zap.String("upload_id", u.ID),
			zap.String("source_ref", ref),
			zap.Int64("bytes", size),
		)

		if submitProcess {
			// Drain the queue in-process; stops when no stage has claimable work.
			for {
				worked, err := env.Orchestrator.ProcessNext(ctx)
				if err != nil {
					return err
				}
				if !worked {
					break
				}
			}
			if u, err = env.Orchestrator.Get(ctx, u.ID); err != nil {
				return err
			}
		}
		return printJSON(cmd, u)
	},
}

// printJSON writes v as indented JSON to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	submitCmd.Flags().StringVar(&submitEntity, "entity", finance.EntityType, "entity type of the rows in the file")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "claim priority; higher runs first")
	submitCmd.Flags().StringVar(&submitCharset, "charset", "", "character set of a text file (default UTF-8)")
	submitCmd.Flags().BoolVar(&submitProcess, "process", false, "run the pipeline in-process until no work is left")
	rootCmd.AddCommand(submitCmd)
}
