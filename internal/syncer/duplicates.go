package syncer

import (
	"context"
	"strings"

	"bcsync/internal/httpclient"
	"bcsync/internal/models"
)

// pickPrimary chooses which of several ERP tasks claiming one counterpart
// keeps the link: a task with a plan reference first, then the most recent
// lastSyncAt, then the most recent modification.
func pickPrimary(tasks []*models.BCTask) *models.BCTask {
	var best *models.BCTask
	for _, t := range tasks {
		if best == nil || primaryBefore(t, best) {
			best = t
		}
	}
	return best
}

func primaryBefore(a, b *models.BCTask) bool {
	aPlan, bPlan := a.PlannerPlanID != "", b.PlannerPlanID != ""
	if aPlan != bPlan {
		return aPlan
	}
	aSync, _ := a.LastSyncTime()
	bSync, _ := b.LastSyncTime()
	if !aSync.Equal(bSync) {
		return aSync.After(bSync)
	}
	return a.ModifiedTime().After(b.ModifiedTime())
}

// findDuplicates groups tasks by counterpart id as normalized by key, keeping
// groups of two or more.
func findDuplicates(tasks []*models.BCTask, key func(string) string) map[string][]*models.BCTask {
	byCounterpart := map[string][]*models.BCTask{}
	for _, t := range tasks {
		if id := key(t.PlannerTaskID); id != "" {
			byCounterpart[id] = append(byCounterpart[id], t)
		}
	}
	for id, group := range byCounterpart {
		if len(group) < 2 {
			delete(byCounterpart, id)
		}
	}
	return byCounterpart
}

// boardID keys board task ids, which are case-sensitive.
func boardID(id string) string { return strings.TrimSpace(id) }

// resolveDuplicates clears the link on every non-primary claimant and returns
// the task list with the cleared records replaced.
func (e *Engine) resolveDuplicates(ctx context.Context, tasks []*models.BCTask, key func(string) string, sum *models.SummaryCounter) []*models.BCTask {
	groups := findDuplicates(tasks, key)
	if len(groups) == 0 {
		return tasks
	}
	replaced := map[string]*models.BCTask{}
	for counterpartID, group := range groups {
		primary := pickPrimary(group)
		for _, t := range group {
			if t == primary {
				continue
			}
			cleared, ok := e.clearDuplicate(ctx, t, sum)
			if !ok {
				continue
			}
			e.logger.Warn().Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).
				Str("primary_task_no", primary.TaskNo).Str("counterpart_id", counterpartID).Msg("cleared duplicate link")
			sum.Add(func(s *models.SyncSummary) { s.Updated++ })
			replaced[t.SystemID] = cleared
		}
	}
	out := make([]*models.BCTask, len(tasks))
	for i, t := range tasks {
		if r, ok := replaced[t.SystemID]; ok {
			out[i] = r
		} else {
			out[i] = t
		}
	}
	return out
}

// clearDuplicate drops the link on a non-primary claimant under the sync lock.
// A task locked by another writer keeps its link until a later pass.
func (e *Engine) clearDuplicate(ctx context.Context, t *models.BCTask, sum *models.SummaryCounter) (*models.BCTask, bool) {
	if t = e.prepareLock(ctx, t, sum); t == nil {
		return nil, false
	}
	locked, err := e.locker.Acquire(ctx, t)
	if err != nil {
		if httpclient.IsPreconditionFailed(err) {
			e.logger.Info().Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Msg("task changed while locking, skipping")
			sum.Add(func(s *models.SyncSummary) { s.Skipped++ })
			return nil, false
		}
		e.taskError(sum, t, err, "failed to lock duplicate")
		return nil, false
	}
	fields := e.schemaFields(ctx, map[string]any{
		fieldPlannerTaskID:   "",
		fieldPlannerPlanID:   "",
		fieldLastPlannerEtag: "",
	})
	cleared, err := e.locker.Release(ctx, locked, fields)
	if err != nil {
		e.abandon(ctx, locked)
		e.taskError(sum, t, err, "failed to clear duplicate link")
		return nil, false
	}
	return cleared, true
}
