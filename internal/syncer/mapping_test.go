package syncer

import (
	"testing"

	"bcsync/internal/models"
	"bcsync/internal/premium"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentRoundTrip(t *testing.T) {
	mappings := map[string]PercentMapping{
		"identity":   {},
		"fractional": {Scale: 0.01, Min: 0, Max: 1},
	}
	for name, m := range mappings {
		for _, pct := range []float64{0, 50, 100} {
			assert.Equal(t, pct, m.ToBC(m.ToPremium(pct)), "%s %v", name, pct)
			assert.Equal(t, int(pct), PlannerPercent(pct))
		}
	}
	assert.Equal(t, 50, PlannerPercent(1))
	assert.Equal(t, 50, PlannerPercent(99.9))
	assert.Equal(t, 0.5, PercentMapping{Scale: 0.01, Max: 1}.ToPremium(50))
	assert.Equal(t, 1.0, PercentMapping{Scale: 0.01, Max: 1}.ToPremium(140))
	assert.Equal(t, 100.0, PercentMapping{}.ToBC(250))
}

func TestDateOnly(t *testing.T) {
	assert.Equal(t, "2026-03-02", dateOnly("2026-03-02T15:04:05Z"))
	assert.Equal(t, "2026-03-02", dateOnly("2026-03-02"))
	assert.Empty(t, dateOnly("0001-01-01"))
	assert.Empty(t, dateOnly("1700-05-01"))
	assert.Empty(t, dateOnly("soon"))
}

func TestPremiumPayloadAndChanges(t *testing.T) {
	task := &models.BCTask{
		TaskNo:          "1010",
		PercentComplete: 40,
		ManualStartDate: "2026-03-02",
		StartDate:       "2026-02-01",
		EndDate:         "2026-03-06",
	}
	payload := premiumPayload(task, "proj-1", "msdyn_wbsid", PercentMapping{})
	assert.Equal(t, "1010", payload[premium.FieldSubject])
	assert.Equal(t, "2026-03-02T00:00:00Z", payload[premium.FieldStart])
	assert.Equal(t, "2026-03-06T00:00:00Z", payload[premium.FieldEnd])
	assert.Equal(t, "/msdyn_projects(proj-1)", payload[premium.FieldProjectBind])

	current := &models.PremiumTask{
		Subject:        "1010",
		TaskNumber:     "1010",
		Progress:       40,
		HasProgress:    true,
		ScheduledStart: "2026-03-02T08:00:00Z",
		ScheduledEnd:   "2026-03-05T00:00:00Z",
	}
	changes := premiumChanges(payload, current, "msdyn_wbsid")
	assert.Equal(t, map[string]any{premium.FieldEnd: "2026-03-06T00:00:00Z"}, changes)
}

func TestBCChangesSkipsEchoedTitle(t *testing.T) {
	task := &models.BCTask{TaskNo: "1010", PercentComplete: 50, StartDate: "2026-03-02"}
	changes := bcChanges(task, counterpartValues{Title: "1010", Percent: 50, HasPct: true, Start: "2026-03-02T00:00:00Z"}, PercentMapping{})
	assert.Empty(t, changes)

	changes = bcChanges(task, counterpartValues{Title: "Survey", End: "2026-04-01T00:00:00Z"}, PercentMapping{})
	require.Len(t, changes, 2)
	assert.Equal(t, []string{fieldDescription}, changes[0].names)
	assert.Equal(t, []string{fieldManualEnd, fieldEndDate}, changes[1].names)
	assert.Equal(t, "2026-04-01", changes[1].value)
}

func TestNaturalSort(t *testing.T) {
	tasks := []*models.BCTask{{TaskNo: "1000"}, {TaskNo: "200"}, {TaskNo: "10"}, {TaskNo: "1010"}, {TaskNo: "A2"}, {TaskNo: "a10"}}
	SortTasks(tasks)
	var got []string
	for _, task := range tasks {
		got = append(got, task.TaskNo)
	}
	assert.Equal(t, []string{"10", "200", "1000", "1010", "A2", "a10"}, got)
}

func TestClassify(t *testing.T) {
	tasks := []*models.BCTask{
		{TaskNo: "2010"},
		{TaskNo: "1000"},
		{TaskNo: "1010"},
		{TaskNo: "2000"},
		{TaskNo: "3000"},
		{TaskNo: "3010", Description: "total"},
		{TaskNo: "4000"},
		{TaskNo: "4010"},
		{TaskNo: "0500"},
	}
	eligible, skipped := Classify(tasks)
	assert.Equal(t, 6, skipped)
	require.Len(t, eligible, 3)
	assert.Equal(t, "0500", eligible[0].Task.TaskNo)
	assert.Empty(t, eligible[0].Section)
	assert.Equal(t, SectionPreConstruction, eligible[1].Section)
	assert.Equal(t, SectionInstallation, eligible[2].Section)
}
