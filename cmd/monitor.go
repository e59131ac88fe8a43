package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/truth-pipeline/internal/monitoring"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Collect a health snapshot and send any alerts it triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		snap, alerts, err := newChecker(env).Check(ctx)
		if err != nil {
			return err
		}
		if alerts == nil {
			alerts = []monitoring.Alert{}
		}
		return printJSON(cmd, struct {
			Snapshot *monitoring.MetricsSnapshot `json:"snapshot"`
			Alerts   []monitoring.Alert          `json:"alerts"`
		}{snap, alerts})
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}
