package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reconcileDaemon bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Poll providers for outstanding orders",
	Long:  "Checks every ORDERED or PROCESSING report older than the quiet period against its provider, advancing any whose webhook was missed. --daemon keeps running on the configured schedule.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if !reconcileDaemon {
			stats, err := env.Reconciler.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("checked %d: %d delivered, %d failed, %d pending, %d errors\n",
				stats.Checked, stats.Delivered, stats.Failed, stats.Pending, stats.Errors)
			return nil
		}

		c, err := env.Reconciler.Schedule(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("reconciler running", zap.String("schedule", cfg.Reconcile.Schedule))

		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileDaemon, "daemon", false, "keep running on the configured schedule")
	rootCmd.AddCommand(reconcileCmd)
}
