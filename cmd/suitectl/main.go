package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/suite-entitlements/internal/billing"
	"github.com/rcourtman/suite-entitlements/internal/billing/registry"
	"github.com/rcourtman/suite-entitlements/internal/config"
	"github.com/rcourtman/suite-entitlements/internal/logging"
	"github.com/rcourtman/suite-entitlements/pkg/licensing"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var dataDirFlag string

var rootCmd = &cobra.Command{
	Use:           "suitectl",
	Short:         "Suite entitlements and subscription lifecycle",
	Long:          `suitectl operates the subscription store: it resolves entitlements, decides access and applies billing actions.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "data directory (overrides SUITE_DATA_DIR)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(decideCmd)
	rootCmd.AddCommand(trialCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(switchCmd)
	rootCmd.AddCommand(resubscribeCmd)
	rootCmd.AddCommand(plansCmd)
	rootCmd.AddCommand(adjustmentsCmd)
	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(teamCmd)
	rootCmd.AddCommand(checkoutCmd)
	rootCmd.AddCommand(stripeEventCmd)
	rootCmd.AddCommand(enforceGraceCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "suitectl %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if be, ok := licensing.AsBillingError(err); ok {
			fmt.Fprintln(os.Stderr, be.Message())
		}
		logging.Shutdown()
		os.Exit(1)
	}
	logging.Shutdown()
}

// app bundles what a command needs.
type app struct {
	cfg     *config.Config
	store   *registry.Store
	service *billing.Service
}

func openApp(cmd *cobra.Command) (*app, error) {
	if dataDirFlag != "" {
		if err := os.Setenv("SUITE_DATA_DIR", dataDirFlag); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "suitectl",
		FilePath:  cfg.LogFile,
	})

	store, err := registry.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	svc := billing.NewService(store, billing.Options{
		Guard:       cfg.GuardPolicy(),
		Resubscribe: cfg.ResubscribePolicy(),
		CacheTTL:    cfg.EntitlementCacheTTL,
		MaxAttempts: cfg.MaxTransitionAttempts,
	})

	ctx, requestID := logging.WithRequestID(cmd.Context(), "")
	cmd.SetContext(ctx)
	log.Debug().Str("request_id", requestID).Str("command", cmd.CommandPath()).Str("data_dir", cfg.DataDir).Msg("Command started")

	return &app{cfg: cfg, store: store, service: svc}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
}

// withApp opens the app for the duration of fn.
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if cmd.Context() == nil {
			cmd.SetContext(context.Background())
		}
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, cmd, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func trimArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.TrimSpace(a)
	}
	return out
}
