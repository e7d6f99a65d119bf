package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/panda-crm/measure-engine/internal/model"
)

var authorizeCode string

var authorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "Run the EagleView OAuth authorization-code flow",
	Long:  "Without --code, prints the browser URL to grant access. With --code, exchanges the grant for tokens and persists the refresh token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if env.EagleView == nil {
			return eris.New("eagleview is not configured (client id, secret, redirect uri, postgres store)")
		}

		if authorizeCode == "" {
			fmt.Println("Open this URL in a browser, grant access, then re-run with --code:")
			fmt.Println(env.EagleView.AuthorizeURL(uuid.NewString()))
			return nil
		}

		if err := env.EagleView.Exchange(cmd.Context(), authorizeCode); err != nil {
			return err
		}

		// Prove the stored refresh token works end to end.
		env.Creds.Invalidate(model.ProviderEagleView)
		if _, err := env.Creds.Token(cmd.Context(), model.ProviderEagleView); err != nil {
			return eris.Wrap(err, "verify stored credentials")
		}

		fmt.Println("EagleView authorized; refresh token stored.")
		return nil
	},
}

func init() {
	authorizeCmd.Flags().StringVar(&authorizeCode, "code", "", "authorization code from the redirect")
	rootCmd.AddCommand(authorizeCmd)
}
