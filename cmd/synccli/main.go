package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"bcsync/internal/app"
	"bcsync/internal/config"
	"bcsync/internal/logging"
	"bcsync/internal/syncer"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "synccli",
	Short: "Operator commands for the BC sync connector",
	Long: `One-shot operator commands against the same state stores the sync
service uses: trigger passes, inspect the change decision, toggle per-project
sync, manage the ERP webhook subscription and export an audit workbook.`,
	SilenceUsage: true,
}

func init() {
	def := os.Getenv("CONFIG_PATH")
	if def == "" {
		def = "configs/config.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", def, "Path to the YAML config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp builds the component graph for one command and tears it down after.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// stdout carries command output.
	if out := strings.ToLower(strings.TrimSpace(cfg.Logging.Output)); out == "" || out == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer (func() { _ = a.Close() })()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDirection(raw string) (string, error) {
	switch strings.TrimSpace(raw) {
	case "", syncer.DirectionBCToPremium:
		return syncer.DirectionBCToPremium, nil
	case syncer.DirectionPremiumToBC:
		return syncer.DirectionPremiumToBC, nil
	}
	return "", fmt.Errorf("unknown direction %q (want %s or %s)", raw, syncer.DirectionBCToPremium, syncer.DirectionPremiumToBC)
}
