package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/unipanel/entitlements/internal/app"
	"github.com/unipanel/entitlements/internal/config"
	"github.com/unipanel/entitlements/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "entitlementd",
	Short:         "UniPanel subscription and entitlement service",
	Long:          `entitlementd prices upgrades, reconciles payment callbacks and answers feature-gate checks for UniPanel tenants.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduled sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			log.Info().Str("version", Version).Msg("Starting entitlement service")
			return a.Serve(ctx, Version)
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "entitlementd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(reviewCmd)
}

// withApp loads configuration, initializes logging and hands a wired App to fn.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "entitlementd"})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "entitlementd"})

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close resources")
		}
	}()
	return fn(ctx, a)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
