package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/panda-crm/measure-engine/internal/export"
	"github.com/panda-crm/measure-engine/internal/model"
)

var (
	statsJSON bool
	statsXLSX string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show report counts and averages per provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Engine.Stats(cmd.Context())
		if err != nil {
			return err
		}

		if statsXLSX != "" {
			if err := export.WriteStats(statsXLSX, stats); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", statsXLSX)
			return nil
		}

		if statsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		fmt.Printf("%d reports\n", stats.Total)
		for _, p := range stats.Providers {
			fmt.Printf("  %-14s delivered=%d ordered=%d processing=%d failed=%d  avg %.0f sqft / %.1f squares\n",
				p.Provider,
				p.CountsByStatus[model.StatusDelivered],
				p.CountsByStatus[model.StatusOrdered],
				p.CountsByStatus[model.StatusProcessing],
				p.CountsByStatus[model.StatusFailed],
				p.AvgArea, p.AvgSquares,
			)
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print stats as JSON")
	statsCmd.Flags().StringVar(&statsXLSX, "xlsx", "", "write stats to an XLSX workbook at this path")
	rootCmd.AddCommand(statsCmd)
}
