package models

import (
	"sort"
	"sync"
)

// SyncSummary aggregates the outcome of a reconciliation pass.
type SyncSummary struct {
	Projects   int      `json:"projects"`
	Tasks      int      `json:"tasks"`
	Created    int      `json:"created"`
	Updated    int      `json:"updated"`
	Skipped    int      `json:"skipped"`
	Errors     int      `json:"errors"`
	ProjectNos []string `json:"projectNos"`
}

// Merge folds other into s, keeping ProjectNos unique and sorted.
func (s *SyncSummary) Merge(other SyncSummary) {
	s.Projects += other.Projects
	s.Tasks += other.Tasks
	s.Created += other.Created
	s.Updated += other.Updated
	s.Skipped += other.Skipped
	s.Errors += other.Errors
	s.ProjectNos = mergeUnique(s.ProjectNos, other.ProjectNos)
}

// Writes is the number of records changed on the counterpart side.
func (s SyncSummary) Writes() int {
	return s.Created + s.Updated
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok || v == "" {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// SummaryCounter is a goroutine-safe accumulator used while tasks run in parallel.
type SummaryCounter struct {
	mu      sync.Mutex
	summary SyncSummary
}

func (c *SummaryCounter) Add(fn func(s *SyncSummary)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.summary)
}

func (c *SummaryCounter) Snapshot() SyncSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.summary
	out.ProjectNos = append([]string(nil), c.summary.ProjectNos...)
	return out
}
