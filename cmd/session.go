// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/canonical/tenant-directory/internal/types"
	"github.com/canonical/tenant-directory/pkg/session"
)

var organizationSlug string

var loginCmd = &cobra.Command{
	Use:   "login [email]",
	Short: "Sign in to the organization of an email address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		email := args[0]

		env, err := newClientEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		org, err := resolveOrganization(ctx, env, email, organizationSlug)
		if err != nil {
			return err
		}

		if err := env.manager.SelectOrganization(ctx, org); err != nil {
			return err
		}

		password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), "Password: ")
		if err != nil {
			return err
		}

		s, err := env.manager.SignIn(ctx, email, password)
		if err != nil {
			return fmt.Errorf("failed to sign in to %s: %w", org.Slug, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Signed in to %s as %s (session expires %s)\n", org.Name, email, s.ExpiresAt.Local().Format("2006-01-02 15:04"))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the selected organization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newClientEnv(cmd.Context(), "")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.manager.SignOut(cmd.Context()); err != nil {
			// local state is gone either way
			env.logger.Warnf("sign out incomplete: %v", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed in user and organization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		env, err := newClientEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		org, bound := env.manager.Organization()
		if !bound || env.manager.State() != session.Authenticated {
			fmt.Fprintln(out, "Not signed in")
			return nil
		}

		user, err := env.manager.CurrentUser(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch the current user of %s: %w", org.Slug, err)
		}

		fmt.Fprintf(out, "Email:        %s\n", user.Email)
		fmt.Fprintf(out, "User ID:      %s\n", user.ID)
		fmt.Fprintf(out, "Organization: %s (%s)\n", org.Name, org.Slug)
		fmt.Fprintf(out, "Endpoint:     %s\n", org.Endpoint)
		return nil
	},
}

var resetPasswordCmd = &cobra.Command{
	Use:   "reset-password [email]",
	Short: "Request a password reset email from the organization of an email address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		email := args[0]

		env, err := newClientEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		org, err := resolveOrganization(ctx, env, email, organizationSlug)
		if err != nil {
			return err
		}

		if err := env.manager.SelectOrganization(ctx, org); err != nil {
			return err
		}

		var cooldown *types.CooldownError

		err = env.manager.RequestPasswordReset(ctx, email)
		switch {
		case errors.As(err, &cooldown):
			return fmt.Errorf("please wait %d seconds before requesting another reset", types.Seconds(cooldown.Remaining))
		case err != nil:
			return fmt.Errorf("failed to request a password reset: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "If %s has an account in %s, a reset link is on its way\n", email, org.Name)
		return nil
	},
}

var switchOrgCmd = &cobra.Command{
	Use:   "switch-org [slug]",
	Short: "Sign out and bind another organization of the signed in email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := newClientEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		marker, err := env.manager.Marker(ctx)
		if err != nil {
			return fmt.Errorf("sign in first, no email is known locally")
		}

		org, err := resolveOrganization(ctx, env, marker.Email, args[0])
		if err != nil {
			return err
		}

		if err := env.manager.SelectOrganization(ctx, org); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Switched to %s, run \"login %s --org %s\" to sign in\n", org.Name, marker.Email, org.Slug)
		return nil
	},
}

// resolveOrganization picks the organization of email, slug is only needed when there are several.
func resolveOrganization(ctx context.Context, env *clientEnv, email, slug string) (types.Organization, error) {
	callCtx, cancel := env.call(ctx)
	defer cancel()

	res, err := env.resolver.Resolve(callCtx, email)

	var throttled *types.ThrottledError

	switch {
	case errors.As(err, &throttled):
		return types.Organization{}, fmt.Errorf("too many lookups, retry in %d seconds", types.Seconds(throttled.RetryAfter))
	case errors.Is(err, types.ErrNoOrganization):
		return types.Organization{}, fmt.Errorf("no organization found for %s", email)
	case err != nil:
		return types.Organization{}, err
	}

	if slug != "" {
		return res.Pick(slug)
	}

	if org, ok := res.One(); ok {
		return org, nil
	}

	slugs := make([]string, 0, len(res.Organizations()))
	for _, o := range res.Organizations() {
		slugs = append(slugs, o.Slug)
	}

	return types.Organization{}, fmt.Errorf("%s belongs to several organizations, choose one with --org: %s", email, strings.Join(slugs, ", "))
}

func init() {
	loginCmd.Flags().StringVar(&organizationSlug, "org", "", "organization slug, required when the email belongs to several")
	resetPasswordCmd.Flags().StringVar(&organizationSlug, "org", "", "organization slug, required when the email belongs to several")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(resetPasswordCmd)
	rootCmd.AddCommand(switchOrgCmd)
}
