// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
	"github.com/canonical/tenant-directory/pkg/invitation"
)

var operatorToken string

var acceptInviteCmd = &cobra.Command{
	Use:   "accept-invite [link]",
	Short: "Accept an invitation, choose a password and sign in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		link, err := invitation.ParseLink(args[0])
		if err != nil {
			return err
		}

		env, err := newClientEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), fmt.Sprintf("Choose a password for %s: ", link.Email))
		if err != nil {
			return err
		}

		callCtx, cancel := env.call(ctx)
		defer cancel()

		resp, err := env.invitations.Complete(callCtx, &invitation.CompletionRequest{
			Email:            link.Email,
			Password:         password,
			OrganizationSlug: link.OrganizationSlug,
			InvitationToken:  link.Token,
		})
		if err != nil {
			return completionError(err)
		}

		org, err := link.Organization()
		if err != nil {
			return err
		}

		if resp.OrgURL != "" && resp.OrgAnonKey != "" {
			if org, err = types.NewOrganization(org.ID, org.Slug, org.Name, resp.OrgURL, resp.OrgAnonKey); err != nil {
				return err
			}
		}

		s := &types.Session{
			AccessToken:      resp.AccessToken,
			RefreshToken:     resp.RefreshToken,
			UserID:           resp.UserID,
			OrganizationSlug: org.Slug,
		}
		if resp.ExpiresAt != nil {
			s.ExpiresAt = *resp.ExpiresAt
		}

		if err := env.manager.Adopt(ctx, org, link.Email, s); err != nil {
			return fmt.Errorf("invitation accepted but the session could not be stored, run login: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Welcome to %s, you are signed in as %s\n", org.Slug, link.Email)
		return nil
	},
}

func completionError(err error) error {
	switch {
	case errors.Is(err, types.ErrInvalidOrExpiredInvitation):
		return errors.New("this invitation is invalid or has expired, ask for a new one")
	case errors.Is(err, types.ErrTimeout):
		return errors.New("the request timed out, try again")
	case errors.Is(err, types.ErrSessionEstablishFailed):
		return errors.New("your account was created but signing in failed, try login or contact support")
	case errors.Is(err, types.ErrTenantProvisionFailed):
		return errors.New("your account could not be set up, contact support")
	default:
		return err
	}
}

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Manage invitations, requires an operator token",
}

var inviteIssueCmd = &cobra.Command{
	Use:   "issue [email] [org-slug]",
	Short: "Invite an email address to an organization",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup := newOperatorClient()
		defer cleanup()

		resp, err := client.Issue(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to invite %s: %w", args[0], err)
		}

		out := cmd.OutOrStdout()

		if resp.AlreadyActive {
			fmt.Fprintf(out, "%s already has an active account in %s, no invitation sent\n", args[0], args[1])
			return nil
		}

		fmt.Fprintf(out, "Invitation issued: %s\n", resp.Invitation.Token)
		fmt.Fprintf(out, "Expires: %s\n", resp.Invitation.ExpiresAt.Local().Format(time.RFC1123))
		fmt.Fprintf(out, "Link: %s\n", resp.Link)
		if resp.DispatchError != "" {
			fmt.Fprintf(out, "The email could not be sent (%s), retry with \"invite resend %s\"\n", resp.DispatchError, resp.Invitation.Token)
		}
		return nil
	},
}

var inviteResendCmd = &cobra.Command{
	Use:   "resend [token]",
	Short: "Send the invitation email again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup := newOperatorClient()
		defer cleanup()

		var cooldown *types.CooldownError

		_, err := client.Resend(cmd.Context(), args[0])
		switch {
		case errors.As(err, &cooldown):
			return fmt.Errorf("please wait %d seconds before sending it again", types.Seconds(cooldown.Remaining))
		case err != nil:
			return fmt.Errorf("failed to resend invitation: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Invitation sent")
		return nil
	},
}

var inviteCancelCmd = &cobra.Command{
	Use:   "cancel [token]",
	Short: "Cancel an invitation that was not accepted yet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup := newOperatorClient()
		defer cleanup()

		if err := client.Cancel(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to cancel invitation: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Invitation cancelled")
		return nil
	},
}

var inviteListCmd = &cobra.Command{
	Use:   "list [org-slug]",
	Short: "List the pending invitations of an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup := newOperatorClient()
		defer cleanup()

		invitations, err := client.ListPending(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to list invitations: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "TOKEN\tEMAIL\tINVITED_BY\tEXPIRES")
		for _, inv := range invitations {
			invitedBy := "-"
			if inv.InvitedBy != nil {
				invitedBy = *inv.InvitedBy
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", inv.Token, inv.Email, invitedBy, inv.ExpiresAt.Local().Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func newOperatorClient() (*invitation.Client, func()) {
	logger := logging.NewLogger(logLevel)

	client := invitation.NewClient(
		directoryURL,
		operatorToken,
		&http.Client{Transport: tracing.NewTransport(nil), Timeout: callTimeout},
		tracing.NewNoopTracer(),
		monitoring.NewNoopMonitor("tenant-directory", logger),
		logger,
	)

	return client, func() { _ = logger.Sync() }
}

func init() {
	inviteCmd.PersistentFlags().StringVar(&operatorToken, "token", envOr("TENANT_DIRECTORY_OPERATOR_TOKEN", ""), "operator bearer token, see the token command")

	inviteCmd.AddCommand(inviteIssueCmd)
	inviteCmd.AddCommand(inviteResendCmd)
	inviteCmd.AddCommand(inviteCancelCmd)
	inviteCmd.AddCommand(inviteListCmd)

	rootCmd.AddCommand(inviteCmd)
	rootCmd.AddCommand(acceptInviteCmd)
}
