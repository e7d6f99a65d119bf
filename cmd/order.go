package main

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/panda-crm/measure-engine/internal/model"
)

var (
	orderOpportunity string
	orderAccount     string
	orderStreet      string
	orderCity        string
	orderState       string
	orderZip         string
	orderProvider    string
	orderType        string
	orderedBy        string
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Order a paid measurement report from a provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		if orderOpportunity == "" {
			return eris.New("--opportunity is required")
		}
		p := model.Provider(strings.ToUpper(orderProvider))
		if !p.Valid() {
			return eris.Errorf("unknown provider %q", orderProvider)
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		r, err := env.Engine.OrderReport(cmd.Context(), model.OrderInput{
			OpportunityID: orderOpportunity,
			AccountID:     orderAccount,
			OrderedByID:   orderedBy,
			Provider:      p,
			ReportType:    model.ReportType(orderType),
			Address: model.Address{
				Street:  orderStreet,
				City:    orderCity,
				State:   orderState,
				ZipCode: orderZip,
			},
		})
		if err != nil {
			return err
		}

		fmt.Printf("Report %s: %s (%s", r.ID, r.Status, r.Provider)
		if r.ExternalID != "" {
			fmt.Printf(" order %s", r.ExternalID)
		}
		fmt.Println(")")
		return nil
	},
}

func init() {
	orderCmd.Flags().StringVar(&orderOpportunity, "opportunity", "", "opportunity id (required)")
	orderCmd.Flags().StringVar(&orderAccount, "account", "", "account id")
	orderCmd.Flags().StringVar(&orderedBy, "ordered-by", "", "user id placing the order")
	orderCmd.Flags().StringVar(&orderStreet, "street", "", "street address")
	orderCmd.Flags().StringVar(&orderCity, "city", "", "city")
	orderCmd.Flags().StringVar(&orderState, "state", "", "state")
	orderCmd.Flags().StringVar(&orderZip, "zip", "", "zip code")
	orderCmd.Flags().StringVar(&orderProvider, "provider", "quickmeasure", "provider: quickmeasure or eagleview")
	orderCmd.Flags().StringVar(&orderType, "type", "residential", "report type: full, residential, commercial")
	rootCmd.AddCommand(orderCmd)
}
