package export

import (
	"context"
	"fmt"
	"os"

	"bcsync/internal/logging"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsPublisher mirrors the audit tables into a Google spreadsheet, one tab
// per table, replacing previous contents.
type SheetsPublisher struct {
	service       *sheets.Service
	spreadsheetID string
	logger        *zerolog.Logger
}

// NewSheetsPublisher authenticates with a service-account key file.
func NewSheetsPublisher(ctx context.Context, credentialsFile, spreadsheetID string, logger *zerolog.Logger) (*SheetsPublisher, error) {
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	cfg, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	srv, err := sheets.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return newSheetsPublisher(srv, spreadsheetID, logger), nil
}

func newSheetsPublisher(srv *sheets.Service, spreadsheetID string, logger *zerolog.Logger) *SheetsPublisher {
	return &SheetsPublisher{service: srv, spreadsheetID: spreadsheetID, logger: logging.Component(logger, "sheets-export")}
}

func (p *SheetsPublisher) Publish(ctx context.Context, a Audit) error {
	if err := p.ensureTabs(ctx); err != nil {
		return err
	}
	for _, t := range a.tables() {
		tab := "'" + t.sheet + "'"
		if _, err := p.service.Spreadsheets.Values.Clear(p.spreadsheetID, tab, &sheets.ClearValuesRequest{}).
			Context(ctx).
			Do(); err != nil {
			return fmt.Errorf("clear %s: %w", t.sheet, err)
		}
		values := t.values()
		if len(values) == 0 {
			continue
		}
		if _, err := p.service.Spreadsheets.Values.Update(p.spreadsheetID, tab+"!A1", &sheets.ValueRange{Values: values}).
			ValueInputOption("RAW").
			Context(ctx).
			Do(); err != nil {
			return fmt.Errorf("write %s: %w", t.sheet, err)
		}
	}
	p.logger.Debug().Str("spreadsheet_id", p.spreadsheetID).Int("log_rows", len(a.Log)).Msg("Audit published to sheets")
	return nil
}

func (p *SheetsPublisher) ensureTabs(ctx context.Context) error {
	ss, err := p.service.Spreadsheets.Get(p.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read spreadsheet: %w", err)
	}
	have := make(map[string]bool, len(ss.Sheets))
	for _, sh := range ss.Sheets {
		if sh.Properties != nil {
			have[sh.Properties.Title] = true
		}
	}

	var reqs []*sheets.Request
	for _, name := range []string{SheetSummary, SheetWebhookLog, SheetProjects, SheetSubscriptions} {
		if !have[name] {
			reqs = append(reqs, &sheets.Request{AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{Title: name},
			}})
		}
	}
	if len(reqs) == 0 {
		return nil
	}
	_, err = p.service.Spreadsheets.BatchUpdate(p.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{Requests: reqs}).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("add tabs: %w", err)
	}
	return nil
}
