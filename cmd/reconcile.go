package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reconcileInterval time.Duration

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run the background reconciler in the foreground",
	Long:  "Works through pending counterparty names in batches until interrupted. Useful for draining a backlog without the API server.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if reconcileInterval > 0 {
			cfg.Reconciler.Interval = reconcileInterval
		}

		env, err := initEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		env.Reconciler.Start(ctx)
		zap.L().Info("reconciler running, interrupt to stop")
		<-ctx.Done()
		env.Reconciler.Stop()
		return nil
	},
}

func init() {
	reconcileCmd.Flags().DurationVar(&reconcileInterval, "interval", 0, "override reconcile interval")
	rootCmd.AddCommand(reconcileCmd)
}
