package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/panda-crm/measure-engine/internal/config"
)

// configCmd prints the effective configuration after the file and environment
// layers are merged, with credential material redacted.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := yaml.Marshal(redacted(*cfg))
		if err != nil {
			return eris.Wrap(err, "encode config")
		}
		fmt.Print(string(out))
		return nil
	},
}

func redacted(c config.Config) config.Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "[redacted]"
	}
	c.Store.DatabaseURL = mask(c.Store.DatabaseURL)
	c.Secrets.Token = mask(c.Secrets.Token)
	c.Objects.Token = mask(c.Objects.Token)
	c.Compute.Token = mask(c.Compute.Token)
	c.Geocode.GoogleKey = mask(c.Geocode.GoogleKey)
	c.Solar.Key = mask(c.Solar.Key)
	c.EagleView.ClientSecret = mask(c.EagleView.ClientSecret)
	c.QuickMeasure.ClientSecret = mask(c.QuickMeasure.ClientSecret)
	return c
}

func init() {
	rootCmd.AddCommand(configCmd)
}
