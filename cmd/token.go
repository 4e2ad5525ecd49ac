// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package cmd

import (
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2/clientcredentials"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Get an operator access token using the client credentials flow",
	Long:  `Get an operator access token using the client credentials flow, the printed token can be passed to the invite commands through --token`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		clientID, _ := cmd.Flags().GetString("client-id")
		clientSecret, _ := cmd.Flags().GetString("client-secret")
		tokenURL, _ := cmd.Flags().GetString("token-url")
		issuerURL, _ := cmd.Flags().GetString("issuer-url")
		scopes, _ := cmd.Flags().GetStringSlice("scopes")

		if tokenURL == "" {
			if issuerURL == "" {
				return errors.New("either --token-url or --issuer-url must be provided")
			}

			provider, err := oidc.NewProvider(ctx, issuerURL)
			if err != nil {
				return fmt.Errorf("failed to discover issuer %s: %w", issuerURL, err)
			}
			tokenURL = provider.Endpoint().TokenURL
		}

		config := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}

		token, err := config.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), token.AccessToken)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("client-id", "", "Client ID")
	tokenCmd.Flags().String("client-secret", "", "Client Secret")
	tokenCmd.Flags().String("token-url", "", "Token URL")
	tokenCmd.Flags().String("issuer-url", "", "Issuer URL (for OIDC discovery)")
	tokenCmd.Flags().StringSlice("scopes", []string{}, "Scopes (comma-separated)")

	_ = tokenCmd.MarkFlagRequired("client-id")
	_ = tokenCmd.MarkFlagRequired("client-secret")
}
