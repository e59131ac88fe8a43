package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workWorkers int

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run upload workers and the sweeper without the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if workWorkers > 0 {
			cfg.Orchestrator.Workers = workWorkers
		}
		env, err := initEnv(ctx, cfg, "work")
		if err != nil {
			return err
		}
		defer env.Close()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return env.Orchestrator.Run(gctx) })
		if cfg.Monitoring.Enabled {
			checker := newChecker(env)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}
		return g.Wait()
	},
}

func init() {
	workCmd.Flags().IntVar(&workWorkers, "workers", 0, "number of workers (default from config)")
	rootCmd.AddCommand(workCmd)
}
