package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bcsync/internal/config"
	"bcsync/internal/httpclient"
	"bcsync/internal/models"
	"bcsync/internal/premium"
)

func (e *Engine) syncProjectFromPremium(ctx context.Context, projectNo string) (models.SyncSummary, error) {
	if e.premium == nil {
		return models.SyncSummary{}, errors.New("premium client not configured")
	}
	bcProject, err := e.bc.GetProject(ctx, projectNo)
	if err != nil {
		return models.SyncSummary{}, fmt.Errorf("load bc project: %w", err)
	}
	if bcProject == nil {
		return models.SyncSummary{}, ErrProjectNotFound
	}
	proj, err := e.premium.FindProjectByNumber(ctx, projectNo)
	if err != nil {
		return models.SyncSummary{}, fmt.Errorf("find premium project: %w", err)
	}
	if proj == nil {
		e.logger.Debug().Str("project_no", projectNo).Msg("no premium project, nothing to pull")
		return models.SyncSummary{}, nil
	}
	bcTasks, err := e.bc.ListProjectTasks(ctx, projectNo)
	if err != nil {
		return models.SyncSummary{}, fmt.Errorf("list bc tasks: %w", err)
	}
	premTasks, err := e.premium.ListProjectTasks(ctx, proj.ID)
	if err != nil {
		return models.SyncSummary{}, fmt.Errorf("list premium tasks: %w", err)
	}

	var sum models.SummaryCounter
	bcTasks = e.resolveDuplicates(ctx, bcTasks, normID, &sum)
	eligible, skipped := Classify(bcTasks)
	sum.Add(func(s *models.SyncSummary) {
		s.Skipped += skipped
		s.Tasks += len(eligible)
	})

	ix := newPremiumIndex(premTasks, bcTasks)
	e.forEachTask(eligible, func(st SectionedTask) {
		e.pullPremiumTask(ctx, st.Task, proj.ID, ix, &sum)
	})
	return sum.Snapshot(), nil
}

func (e *Engine) pullPremiumTask(ctx context.Context, t *models.BCTask, projectID string, ix *premiumIndex, sum *models.SummaryCounter) {
	if strings.TrimSpace(t.PlannerTaskID) == "" {
		sum.Add(func(s *models.SyncSummary) { s.Skipped++ })
		return
	}
	p := ix.byID[normID(t.PlannerTaskID)]
	if p == nil {
		if !premium.ValidID(t.PlannerTaskID) {
			e.logger.Warn().Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Str("planner_task_id", t.PlannerTaskID).
				Msg("malformed counterpart id, skipping")
			sum.Add(func(s *models.SyncSummary) { s.Skipped++ })
			return
		}
		var err error
		p, err = e.premium.GetTask(ctx, t.PlannerTaskID)
		if err != nil {
			e.taskError(sum, t, err, "failed to load premium task")
			return
		}
		if p == nil {
			e.counterpartGone(ctx, t, sum)
			return
		}
		if normID(p.ProjectID) != normID(projectID) {
			// Linked to another project's task: only a counterpart found in
			// this project may be pulled from.
			p = ix.relocate(t)
			if p == nil {
				e.logger.Warn().Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Str("planner_task_id", t.PlannerTaskID).
					Msg("counterpart belongs to another project, skipping")
				sum.Add(func(s *models.SyncSummary) { s.Skipped++ })
				return
			}
		}
	}
	e.pullCounterpart(ctx, t, p.ETag, counterpartValues{
		Title:   p.Subject,
		Percent: p.Progress,
		HasPct:  p.HasProgress,
		Start:   p.ScheduledStart,
		End:     p.ScheduledEnd,
	}, e.opts.Percent, sum)
}

// bcAhead is true when the ERP task was edited after the last sync and the
// policy favours the ERP.
func (e *Engine) bcAhead(t *models.BCTask) bool {
	if !e.opts.PreferBC {
		return false
	}
	last, ok := t.LastSyncTime()
	return ok && t.ModifiedTime().After(last.Add(e.opts.BCModifiedGrace))
}

// pullCounterpart applies counterpart values onto the ERP task and stamps
// the counterpart ETag. Shared by both targets.
func (e *Engine) pullCounterpart(ctx context.Context, t *models.BCTask, etag string, v counterpartValues, pct PercentMapping, sum *models.SummaryCounter) {
	if etag != "" && etag == t.LastPlannerEtag {
		sum.Add(func(s *models.SyncSummary) { s.Skipped++ })
		return
	}
	if e.bcAhead(t) {
		e.logger.Info().Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Msg("bc has newer unsynced edits, skipping")
		sum.Add(func(s *models.SyncSummary) { s.Skipped++ })
		return
	}
	if t = e.prepareLock(ctx, t, sum); t == nil {
		return
	}

	fields := e.schemaFields(ctx, map[string]any{fieldLastPlannerEtag: etag})
	for _, c := range bcChanges(t, v, pct) {
		if name, ok := e.resolveChange(ctx, c); ok {
			fields[name] = c.value
		}
	}

	locked, err := e.locker.Acquire(ctx, t)
	if err != nil {
		if httpclient.IsPreconditionFailed(err) {
			e.logger.Info().Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Msg("task changed while locking, skipping")
			sum.Add(func(s *models.SyncSummary) { s.Skipped++ })
			return
		}
		e.taskError(sum, t, err, "failed to lock task")
		return
	}
	if _, err := e.locker.Release(ctx, locked, fields); err != nil {
		e.abandon(ctx, locked)
		e.taskError(sum, t, err, "failed to update bc task")
		return
	}
	sum.Add(func(s *models.SyncSummary) { s.Updated++ })
	e.logger.Debug().Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Int("fields", len(fields)).Msg("pulled counterpart into bc")
}

// counterpartGone applies the configured delete behaviour to an ERP task
// whose counterpart no longer exists.
func (e *Engine) counterpartGone(ctx context.Context, t *models.BCTask, sum *models.SummaryCounter) {
	log := e.logger.With().Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Str("planner_task_id", t.PlannerTaskID).Logger()
	if e.opts.DeleteBehavior == config.DeleteIgnore {
		log.Info().Msg("counterpart deleted, ignoring")
		sum.Add(func(s *models.SyncSummary) { s.Skipped++ })
		return
	}
	if t = e.prepareLock(ctx, t, sum); t == nil {
		return
	}
	locked, err := e.locker.Acquire(ctx, t)
	if err != nil {
		e.taskError(sum, t, err, "failed to lock task for unlink")
		return
	}
	fields := e.schemaFields(ctx, map[string]any{
		fieldPlannerTaskID:   "",
		fieldPlannerPlanID:   "",
		fieldLastPlannerEtag: "",
	})
	if _, err := e.locker.Release(ctx, locked, fields); err != nil {
		e.abandon(ctx, locked)
		e.taskError(sum, t, err, "failed to clear link")
		return
	}
	log.Info().Msg("counterpart deleted, cleared link")
	sum.Add(func(s *models.SyncSummary) { s.Updated++ })
}

// applyRemovals handles counterpart ids reported deleted by a change feed.
func (e *Engine) applyRemovals(ctx context.Context, ids []string) models.SyncSummary {
	var sum models.SummaryCounter
	for _, id := range ids {
		tasks, err := e.bc.ListTasksByCounterpart(ctx, id)
		if err != nil {
			e.logger.Error().Err(err).Str("counterpart_id", id).Msg("failed to find tasks for removed counterpart")
			sum.Add(func(s *models.SyncSummary) { s.Errors++ })
			continue
		}
		for _, t := range tasks {
			if e.disabled(ctx, t.ProjectNo) {
				continue
			}
			sum.Add(func(s *models.SyncSummary) { s.Tasks++ })
			e.counterpartGone(ctx, t, &sum)
		}
	}
	return sum.Snapshot()
}
