package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/panda-crm/measure-engine/internal/model"
)

var (
	instantOpportunity string
	instantAccount     string
	instantStreet      string
	instantCity        string
	instantState       string
	instantZip         string
	instantLat         float64
	instantLng         float64
	instantJSON        bool
)

var instantCmd = &cobra.Command{
	Use:   "instant",
	Short: "Produce an instant measurement from no-cost sources",
	Long:  "Geocodes the address (unless coordinates are given), picks the best covered imagery source, and delivers a measurement synchronously.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if instantOpportunity == "" {
			return eris.New("--opportunity is required")
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		input := model.OrderInput{
			OpportunityID: instantOpportunity,
			AccountID:     instantAccount,
			Address: model.Address{
				Street:  instantStreet,
				City:    instantCity,
				State:   instantState,
				ZipCode: instantZip,
			},
		}
		if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lng") {
			input.Latitude = &instantLat
			input.Longitude = &instantLng
		}

		r, err := env.Engine.InstantMeasure(cmd.Context(), input)
		if err != nil {
			return err
		}

		if instantJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(r)
		}

		m := r.Measurement
		fmt.Printf("Report %s (%s)\n", r.ID, r.Provider)
		fmt.Printf("  Roof area:  %.0f sqft (%.1f squares)\n", m.TotalRoofArea, m.TotalRoofSquares)
		fmt.Printf("  Pitch:      %s\n", m.PredominantPitch)
		fmt.Printf("  Facets:     %d (%s)\n", m.FacetCount, m.Complexity)
		fmt.Printf("  Confidence: %.2f\n", m.Confidence)
		if m.LowConfidence {
			fmt.Println("  LOW CONFIDENCE — consider ordering a provider report")
		}
		for _, w := range m.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
		if r.PDFRef != "" {
			fmt.Printf("  PDF: %s\n", r.PDFRef)
		}

		zap.L().Debug("instant measurement finished", zap.String("report_id", r.ID))
		return nil
	},
}

func init() {
	instantCmd.Flags().StringVar(&instantOpportunity, "opportunity", "", "opportunity id (required)")
	instantCmd.Flags().StringVar(&instantAccount, "account", "", "account id")
	instantCmd.Flags().StringVar(&instantStreet, "street", "", "street address")
	instantCmd.Flags().StringVar(&instantCity, "city", "", "city")
	instantCmd.Flags().StringVar(&instantState, "state", "", "state")
	instantCmd.Flags().StringVar(&instantZip, "zip", "", "zip code")
	instantCmd.Flags().Float64Var(&instantLat, "lat", 0, "latitude (skips geocoding with --lng)")
	instantCmd.Flags().Float64Var(&instantLng, "lng", 0, "longitude (skips geocoding with --lat)")
	instantCmd.Flags().BoolVar(&instantJSON, "json", false, "print the full report as JSON")
	rootCmd.AddCommand(instantCmd)
}
