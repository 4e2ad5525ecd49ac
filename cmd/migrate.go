// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/canonical/tenant-directory/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|status|check] [version]",
	Short: "Run management store migrations",
	Long:  `Apply, roll back or inspect the schema of the management store holding organizations, memberships and invitations`,
	Args:  migrateArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		command := "up"
		if len(args) > 0 {
			command = args[0]
		}

		version := int64(-1)
		if len(args) > 1 {
			version, _ = strconv.ParseInt(args[1], 10, 64)
		}

		dsn, _ := cmd.Flags().GetString("dsn")
		if dsn == "" {
			return fmt.Errorf("a DSN is required, use --dsn or the DSN environment variable")
		}
		format, _ := cmd.Flags().GetString("format")

		return migrate(cmd.Context(), cmd.OutOrStdout(), dsn, command, format, version)
	},
}

func init() {
	migrateCmd.Flags().String("dsn", envOr("DSN", ""), "PostgreSQL DSN of the management store")
	migrateCmd.Flags().StringP("format", "f", "text", "Output format (text or json)")

	rootCmd.AddCommand(migrateCmd)
}

func migrateArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.RangeArgs(0, 2)(cmd, args); err != nil {
		return err
	}

	if len(args) == 0 {
		return nil
	}

	switch args[0] {
	case "up", "down", "status", "check":
	default:
		return fmt.Errorf("invalid migrate command: %q", args[0])
	}

	if len(args) == 2 {
		if args[0] != "down" {
			return fmt.Errorf("only down accepts a target version, got %q", args)
		}

		if v, err := strconv.ParseInt(args[1], 10, 64); err != nil || v < 0 {
			return fmt.Errorf("invalid version number: %q", args[1])
		}
	}

	return nil
}

func migrate(ctx context.Context, out io.Writer, dsn, command, format string, version int64) error {
	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("invalid DSN: %w", err)
	}

	db := stdlib.OpenDB(*config)
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("management store unreachable: %w", err)
	}

	var opts []goose.ProviderOption
	if format == "json" {
		opts = append(opts, goose.WithLogger(goose.NopLogger()))
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.EmbedMigrations, opts...)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	switch command {
	case "up":
		results, err := provider.Up(ctx)
		if err != nil {
			return err
		}
		return printResults(out, format, results)
	case "down":
		results, err := migrateDown(ctx, provider, version)
		if err != nil {
			return err
		}
		return printResults(out, format, results)
	case "status":
		return printStatus(ctx, out, provider, format)
	case "check":
		return checkPending(ctx, out, provider, format)
	}

	return nil
}

func migrateDown(ctx context.Context, provider *goose.Provider, version int64) ([]*goose.MigrationResult, error) {
	if version >= 0 {
		return provider.DownTo(ctx, version)
	}

	result, err := provider.Down(ctx)
	if err != nil {
		return nil, err
	}

	return []*goose.MigrationResult{result}, nil
}

func printResults(out io.Writer, format string, results []*goose.MigrationResult) error {
	if results == nil {
		results = []*goose.MigrationResult{}
	}

	if format == "json" {
		return json.NewEncoder(out).Encode(map[string]any{"applied": results})
	}

	for _, r := range results {
		fmt.Fprintf(out, "%-8s %s (%s)\n", r.Direction, r.Source.Path, r.Duration.Round(time.Millisecond))
	}

	return nil
}

func printStatus(ctx context.Context, out io.Writer, provider *goose.Provider, format string) error {
	statuses, err := provider.Status(ctx)
	if err != nil {
		return err
	}

	if format == "json" {
		return json.NewEncoder(out).Encode(statuses)
	}

	fmt.Fprintln(out, "    Applied At                  Migration")
	fmt.Fprintln(out, "    =======================================")
	for _, s := range statuses {
		appliedAt := "Pending"
		if s.State == goose.StateApplied {
			appliedAt = s.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "    %-24s -- %s\n", appliedAt, s.Source.Path)
	}

	return nil
}

func checkPending(ctx context.Context, out io.Writer, provider *goose.Provider, format string) error {
	pending, err := provider.HasPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to check pending migrations: %w", err)
	}

	current, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if format == "json" {
		status := "ok"
		if pending {
			status = "pending"
		}
		return json.NewEncoder(out).Encode(map[string]any{"status": status, "version": current})
	}

	if pending {
		return fmt.Errorf("migrations are pending: current version %d", current)
	}

	fmt.Fprintf(out, "Management store is up to date (version %d)\n", current)

	return nil
}
