// Package export renders sync state into spreadsheets for operators.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"bcsync/internal/models"
	"bcsync/internal/repository"

	"github.com/xuri/excelize/v2"
)

const (
	SheetSummary       = "Summary"
	SheetWebhookLog    = "Webhook log"
	SheetProjects      = "Projects"
	SheetSubscriptions = "Subscriptions"

	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// FileName is the default download name for a workbook generated at t.
func FileName(t time.Time) string {
	return "bcsync-audit-" + t.UTC().Format("20060102-150405") + ".xlsx"
}

// Audit is everything the workbook shows.
type Audit struct {
	GeneratedAt   time.Time
	Run           *repository.RunRecord
	Log           []models.LogEntry
	Settings      []models.ProjectSyncSetting
	Subscriptions []models.Subscription
}

// SaveAuditWorkbook writes the workbook to path, creating its directory.
func SaveAuditWorkbook(path string, a Audit) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := WriteAuditWorkbook(out, a); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func WriteAuditWorkbook(w io.Writer, a Audit) error {
	f := excelize.NewFile()
	defer f.Close()

	// The default sheet becomes the summary.
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	header, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	for _, t := range a.tables() {
		if err := writeTable(f, t, header); err != nil {
			return err
		}
	}

	_ = f.SetCellStyle(SheetSummary, "A1", "A12", header)
	_ = f.SetColWidth(SheetSummary, "A", "A", 22)
	_ = f.SetColWidth(SheetSummary, "B", "B", 40)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// table is one sheet of the audit. The summary has no header row.
type table struct {
	sheet  string
	header []any
	rows   [][]any
}

func (t table) values() [][]any {
	if t.header == nil {
		return t.rows
	}
	return append([][]any{t.header}, t.rows...)
}

func (a Audit) tables() []table {
	generated := a.GeneratedAt
	if generated.IsZero() {
		generated = time.Now().UTC()
	}

	summary := table{sheet: SheetSummary, rows: [][]any{{"Generated", stamp(generated)}}}
	if a.Run == nil {
		summary.rows = append(summary.rows, []any{"Last run", "none recorded"})
	} else {
		r := a.Run
		summary.rows = append(summary.rows,
			[]any{"Kind", r.Kind},
			[]any{"Decision", r.Decision},
			[]any{"Reason", r.Reason},
			[]any{"Started", stamp(r.StartedAt)},
			[]any{"Duration", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()},
			[]any{"Projects", r.Summary.Projects},
			[]any{"Tasks", r.Summary.Tasks},
			[]any{"Created", r.Summary.Created},
			[]any{"Updated", r.Summary.Updated},
			[]any{"Skipped", r.Summary.Skipped},
			[]any{"Errors", r.Summary.Errors},
		)
	}

	log := table{sheet: SheetWebhookLog, header: []any{"Time", "Source", "Outcome", "Entity set", "System id", "Change", "Message"}}
	for _, e := range a.Log {
		row := []any{stamp(e.Time), e.Source, e.Outcome, "", "", "", e.Message}
		if e.Job != nil {
			row[3], row[4], row[5] = e.Job.EntitySet, e.Job.SystemID, e.Job.ChangeType
		}
		log.rows = append(log.rows, row)
	}

	projects := table{sheet: SheetProjects, header: []any{"Project", "Disabled", "Note", "Updated"}}
	for _, s := range a.Settings {
		projects.rows = append(projects.rows, []any{s.ProjectNo, s.Disabled, s.Note, stamp(s.UpdatedAt)})
	}

	subs := table{sheet: SheetSubscriptions, header: []any{"Id", "Resource", "Notification URL", "Expires"}}
	for _, s := range a.Subscriptions {
		subs.rows = append(subs.rows, []any{s.ID, s.Resource, s.NotificationURL, stamp(s.ExpirationDateTime)})
	}

	return []table{summary, log, projects, subs}
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func writeTable(f *excelize.File, t table, headerStyle int) error {
	if t.sheet != SheetSummary {
		if _, err := f.NewSheet(t.sheet); err != nil {
			return fmt.Errorf("create sheet %s: %w", t.sheet, err)
		}
	}
	for i, values := range t.values() {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(t.sheet, cell, &values); err != nil {
			return fmt.Errorf("write %s row %d: %w", t.sheet, i+1, err)
		}
	}
	if t.header == nil {
		return nil
	}
	last, _ := excelize.CoordinatesToCellName(len(t.header), 1)
	_ = f.SetCellStyle(t.sheet, "A1", last, headerStyle)
	lastCol, _ := excelize.ColumnNumberToName(len(t.header))
	_ = f.SetColWidth(t.sheet, "A", lastCol, 20)
	return nil
}
