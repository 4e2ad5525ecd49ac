// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package cmd

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var (
	directoryURL string
	stateDir     string
	logLevel     string
	callTimeout  time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tenant-directory",
	Short: "Tenant Directory",
	Long: `Tenant Directory resolves organizations by email, signs users into their tenant
and manages invitations. "serve" runs the trusted backend, the other commands act as its client.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tenant-directory"
	}

	return filepath.Join(home, ".tenant-directory")
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}

	return fallback
}

func init() {
	rootCmd.PersistentFlags().StringVar(&directoryURL, "directory-url", envOr("TENANT_DIRECTORY_URL", "http://localhost:8080"), "base URL of the tenant directory backend")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", envOr("TENANT_DIRECTORY_STATE_DIR", defaultStateDir()), "directory holding the local state file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "error", "log level of the client commands")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "call-timeout", 10*time.Second, "timeout of every remote call")
}
