package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bcsync/internal/app"
	"bcsync/internal/config"
	"bcsync/internal/export"

	"github.com/spf13/cobra"
)

var (
	exportOut    string
	exportServer string
	exportAPIKey string
	exportSheets bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write an XLSX audit workbook",
	Long: `Write the last run summary, project settings, subscriptions and webhook
log to an XLSX workbook.

The webhook log lives in the running service, so pass --server to download the
workbook from it. Without --server the workbook is built from the state stores
and the log sheet is empty. --sheets publishes the same tables to the
configured Google spreadsheet.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := exportOut
		if out == "" {
			out = export.FileName(time.Now())
		}
		if exportServer != "" {
			key := exportAPIKey
			if key == "" {
				key = os.Getenv("BCSYNC_API_KEY")
			}
			header := "x-api-key"
			if cfg, err := config.Load(configPath); err == nil {
				header = cfg.API.Auth.HeaderAPIKey
			}
			if err := downloadExport(cmd.Context(), http.DefaultClient, exportServer, header, key, out); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			audit := a.Audit(ctx)
			if exportSheets {
				if a.Sheets == nil {
					return errors.New("export.spreadsheet_id and export.google_credentials_file must be configured")
				}
				if err := a.Sheets.Publish(ctx, audit); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "published to spreadsheet", a.Config.Export.SpreadsheetID)
				return err
			}
			if err := export.SaveAuditWorkbook(out, audit); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		})
	},
}

func downloadExport(ctx context.Context, client *http.Client, server, header, key, out string) error {
	url := strings.TrimRight(server, "/") + "/api/v1/export"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if key != "" {
		req.Header.Set(header, key)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download export: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("download export: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if dir := filepath.Dir(out); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("write export: %w", err)
	}
	return f.Close()
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default bcsync-audit-<timestamp>.xlsx)")
	exportCmd.Flags().StringVar(&exportServer, "server", "", "Base URL of a running sync service")
	exportCmd.Flags().StringVar(&exportAPIKey, "api-key", "", "API key for --server (default $BCSYNC_API_KEY)")
	exportCmd.Flags().BoolVar(&exportSheets, "sheets", false, "Publish to the configured Google spreadsheet instead of a file")
	rootCmd.AddCommand(exportCmd)
}
