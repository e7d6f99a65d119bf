package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/panda-crm/measure-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "measure-engine",
	Short: "Roof measurement acquisition engine",
	Long:  "Acquires roof measurements for opportunities: orders provider reports, runs the aerial estimation pipeline, reconciles outstanding orders, and syncs results to Salesforce.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
