package syncer

import (
	"sort"
	"strings"
	"unicode"

	"bcsync/internal/models"
)

const (
	SectionPreConstruction = "Pre-Construction"
	SectionInstallation    = "Installation"
	SectionChangeOrders    = "Change Orders"
	SectionRevenue         = "Revenue"
)

// headingMarkers maps the task numbers the ERP uses as section headings.
var headingMarkers = map[string]string{
	"1000": SectionPreConstruction,
	"2000": SectionInstallation,
	"3000": SectionChangeOrders,
	"4000": SectionRevenue,
}

// HeadingSection returns the section a heading task opens.
func HeadingSection(taskNo string) (string, bool) {
	s, ok := headingMarkers[strings.TrimSpace(taskNo)]
	return s, ok
}

// SectionedTask is a task eligible for sync with the section it falls under.
type SectionedTask struct {
	Task    *models.BCTask
	Section string
}

// Classify sorts tasks by number and walks them in order. Headings, tasks
// under Revenue and tasks titled TOTAL are dropped; skipped counts them.
func Classify(tasks []*models.BCTask) (eligible []SectionedTask, skipped int) {
	sorted := append([]*models.BCTask(nil), tasks...)
	SortTasks(sorted)

	section := ""
	for _, t := range sorted {
		if s, ok := HeadingSection(t.TaskNo); ok {
			section = s
			skipped++
			continue
		}
		if section == SectionRevenue || strings.EqualFold(strings.TrimSpace(t.Description), "TOTAL") {
			skipped++
			continue
		}
		eligible = append(eligible, SectionedTask{Task: t, Section: section})
	}
	return eligible, skipped
}

// SortTasks orders tasks by task number, comparing digit runs numerically.
func SortTasks(tasks []*models.BCTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return naturalLess(tasks[i].TaskNo, tasks[j].TaskNo)
	})
}

func naturalLess(a, b string) bool {
	ra, rb := []rune(a), []rune(b)
	i, j := 0, 0
	for i < len(ra) && j < len(rb) {
		if unicode.IsDigit(ra[i]) && unicode.IsDigit(rb[j]) {
			si := i
			for i < len(ra) && unicode.IsDigit(ra[i]) {
				i++
			}
			sj := j
			for j < len(rb) && unicode.IsDigit(rb[j]) {
				j++
			}
			na := strings.TrimLeft(string(ra[si:i]), "0")
			nb := strings.TrimLeft(string(rb[sj:j]), "0")
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			if na != nb {
				return na < nb
			}
			continue
		}
		ca, cb := unicode.ToLower(ra[i]), unicode.ToLower(rb[j])
		if ca != cb {
			return ca < cb
		}
		i++
		j++
	}
	return len(ra)-i < len(rb)-j
}
