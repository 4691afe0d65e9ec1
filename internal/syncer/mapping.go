package syncer

import (
	"math"
	"strings"
	"time"

	"bcsync/internal/models"
	"bcsync/internal/premium"
)

// minRepresentableDate is the earliest date the entity store accepts.
var minRepresentableDate = time.Date(1753, 1, 1, 0, 0, 0, 0, time.UTC)

// PercentMapping rescales percent-complete between the two sides.
type PercentMapping struct {
	Scale float64
	Min   float64
	Max   float64
}

func (m PercentMapping) normalized() PercentMapping {
	if m.Scale <= 0 {
		m.Scale = 1
	}
	if m.Max <= m.Min {
		m.Min, m.Max = 0, 100*m.Scale
	}
	return m
}

func (m PercentMapping) ToPremium(bc float64) float64 {
	m = m.normalized()
	return round2(clamp(bc*m.Scale, m.Min, m.Max))
}

func (m PercentMapping) ToBC(value float64) float64 {
	m = m.normalized()
	return round2(clamp(value/m.Scale, 0, 100))
}

// PlannerPercent maps a percentage onto the board's three progress classes.
func PlannerPercent(p float64) int {
	switch {
	case p <= 0:
		return 0
	case p >= 100:
		return 100
	default:
		return 50
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func samePercent(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}

// bcStart prefers the manual override over the computed date.
func bcStart(t *models.BCTask) string {
	if d := dateOnly(t.ManualStartDate); d != "" {
		return d
	}
	return dateOnly(t.StartDate)
}

func bcEnd(t *models.BCTask) string {
	if d := dateOnly(t.ManualEndDate); d != "" {
		return d
	}
	return dateOnly(t.EndDate)
}

// dateOnly returns the yyyy-mm-dd part of a timestamp, or "" for empty,
// unparsable and pre-1753 values.
func dateOnly(raw string) string {
	ts := models.ParseTime(raw)
	if ts.IsZero() || ts.Before(minRepresentableDate) {
		return ""
	}
	return ts.Format("2006-01-02")
}

func premiumDate(day string) string {
	return day + "T00:00:00Z"
}

func taskTitle(t *models.BCTask) string {
	if title := strings.TrimSpace(t.Description); title != "" {
		return title
	}
	return t.TaskNo
}

// premiumPayload is the full desired state of the counterpart of t.
func premiumPayload(t *models.BCTask, projectID, taskNumberField string, pct PercentMapping) map[string]any {
	fields := map[string]any{
		premium.FieldSubject:     taskTitle(t),
		premium.FieldProgress:    pct.ToPremium(t.PercentComplete),
		premium.FieldProjectBind: premium.ProjectBind(projectID),
	}
	if taskNumberField != "" {
		fields[taskNumberField] = t.TaskNo
	}
	if d := bcStart(t); d != "" {
		fields[premium.FieldStart] = premiumDate(d)
	}
	if d := bcEnd(t); d != "" {
		fields[premium.FieldEnd] = premiumDate(d)
	}
	return fields
}

// premiumChanges returns the subset of desired that differs from current.
// The project binding is only sent on create.
func premiumChanges(desired map[string]any, current *models.PremiumTask, taskNumberField string) map[string]any {
	changes := map[string]any{}
	if v, _ := desired[premium.FieldSubject].(string); v != current.Subject {
		changes[premium.FieldSubject] = v
	}
	if taskNumberField != "" {
		if v, _ := desired[taskNumberField].(string); v != current.TaskNumber {
			changes[taskNumberField] = v
		}
	}
	if v, _ := desired[premium.FieldProgress].(float64); !current.HasProgress || !samePercent(v, current.Progress) {
		changes[premium.FieldProgress] = v
	}
	for field, cur := range map[string]string{premium.FieldStart: current.ScheduledStart, premium.FieldEnd: current.ScheduledEnd} {
		v, ok := desired[field].(string)
		if ok && dateOnly(v) != dateOnly(cur) {
			changes[field] = v
		}
	}
	return changes
}

// Task fields written back onto the ERP record.
const (
	fieldDescription     = "description"
	fieldPercentComplete = "percentComplete"
	fieldManualStart     = "manualStartDate"
	fieldManualEnd       = "manualEndDate"
	fieldStartDate       = "startDate"
	fieldEndDate         = "endDate"

	fieldPlannerTaskID   = "plannerTaskId"
	fieldPlannerPlanID   = "plannerPlanId"
	fieldLastPlannerEtag = "lastPlannerEtag"
	fieldLastSyncAt      = "lastSyncAt"
	fieldSyncLock        = "syncLock"
)

// counterpartValues is what the other side says the ERP task should hold.
type counterpartValues struct {
	Title   string
	Percent float64
	HasPct  bool
	Start   string
	End     string
}

// bcChanges lists candidate ERP patches for the counterpart's values. The
// caller drops fields the ERP schema does not expose.
func bcChanges(t *models.BCTask, v counterpartValues, pct PercentMapping) []fieldChange {
	var out []fieldChange
	if v.HasPct {
		if p := pct.ToBC(v.Percent); !samePercent(p, t.PercentComplete) {
			out = append(out, fieldChange{names: []string{fieldPercentComplete}, value: p})
		}
	}
	title := strings.TrimSpace(v.Title)
	if title != "" && title != strings.TrimSpace(t.Description) && title != taskTitle(t) {
		out = append(out, fieldChange{names: []string{fieldDescription}, value: title})
	}
	if d := firstDay(v.Start); d != "" && d != bcStart(t) {
		out = append(out, fieldChange{names: []string{fieldManualStart, fieldStartDate}, value: d})
	}
	if d := firstDay(v.End); d != "" && d != bcEnd(t) {
		out = append(out, fieldChange{names: []string{fieldManualEnd, fieldEndDate}, value: d})
	}
	return out
}

// fieldChange is written to the first of names the schema exposes.
type fieldChange struct {
	names []string
	value any
}

// firstDay copies the date part of a counterpart timestamp verbatim.
func firstDay(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) < 10 {
		return ""
	}
	return raw[:10]
}
