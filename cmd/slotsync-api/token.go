package main

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/slotsync/internal/auth"
	"github.com/MarcoPoloResearchLab/slotsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newTokenCommand mints a session token with the configured signing secret.
// Production tokens come from the identity provider; this is for local runs.
func newTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		email       string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, _, err := issuer.IssueSessionToken(cmd.Context(), auth.Identity{
				UserID:      userID,
				Email:       email,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Subject user id")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name claim")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	return cmd
}
