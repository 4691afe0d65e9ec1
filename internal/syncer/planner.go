package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"bcsync/internal/httpclient"
	"bcsync/internal/models"
)

const defaultBucket = "General"

// PlanTitle is the board title of the plan mirroring an ERP project.
func PlanTitle(p *models.BCProject) string {
	if d := strings.TrimSpace(p.Description); d != "" {
		return p.No + " - " + d
	}
	return p.No
}

// ProjectNoFromPlan extracts the project number prefix of a plan title.
func ProjectNoFromPlan(title string) string {
	no, _, _ := strings.Cut(title, " - ")
	return strings.TrimSpace(no)
}

// findPlan locates the plan of a project: the plan id recorded on any of its
// tasks first, then a title match.
func (e *Engine) findPlan(ctx context.Context, p *models.BCProject, tasks []*models.BCTask) (*models.PlannerPlan, error) {
	tried := map[string]bool{}
	for _, t := range tasks {
		id := strings.TrimSpace(t.PlannerPlanID)
		if id == "" || tried[id] {
			continue
		}
		tried[id] = true
		plan, err := e.planner.GetPlan(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load plan %s: %w", id, err)
		}
		if plan != nil {
			return plan, nil
		}
	}
	plans, err := e.planner.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	for i := range plans {
		if ProjectNoFromPlan(plans[i].Title) == p.No {
			return &plans[i], nil
		}
	}
	return nil, nil
}

// ensureBuckets returns bucket ids by name, creating buckets for sections
// the plan does not have yet.
func (e *Engine) ensureBuckets(ctx context.Context, planID string, tasks []SectionedTask) (map[string]string, error) {
	existing, err := e.planner.ListBuckets(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	ids := make(map[string]string, len(existing))
	for _, b := range existing {
		ids[b.Name] = b.ID
	}
	for _, st := range tasks {
		name := bucketName(st.Section)
		if _, ok := ids[name]; ok {
			continue
		}
		b, err := e.planner.CreateBucket(ctx, planID, name)
		if err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", name, err)
		}
		ids[name] = b.ID
	}
	return ids, nil
}

func bucketName(section string) string {
	if section == "" {
		return defaultBucket
	}
	return section
}

// plannerIndex mirrors premiumIndex for board tasks, matching by link then
// by exact title.
type plannerIndex struct {
	mu      sync.Mutex
	byID    map[string]*models.PlannerTask
	byTitle map[string]*models.PlannerTask
	claimed map[string]bool
}

func newPlannerIndex(tasks []*models.PlannerTask, linked []*models.BCTask) *plannerIndex {
	ix := &plannerIndex{
		byID:    make(map[string]*models.PlannerTask, len(tasks)),
		byTitle: make(map[string]*models.PlannerTask),
		claimed: make(map[string]bool),
	}
	for _, p := range tasks {
		ix.byID[p.ID] = p
		if title := strings.ToLower(strings.TrimSpace(p.Title)); title != "" {
			if _, dup := ix.byTitle[title]; !dup {
				ix.byTitle[title] = p
			}
		}
	}
	for _, t := range linked {
		if ix.byID[t.PlannerTaskID] != nil {
			ix.claimed[t.PlannerTaskID] = true
		}
	}
	return ix
}

func (ix *plannerIndex) counterpart(t *models.BCTask) *models.PlannerTask {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if p := ix.byID[t.PlannerTaskID]; p != nil && t.PlannerTaskID != "" {
		return p
	}
	if p := ix.byTitle[strings.ToLower(taskTitle(t))]; p != nil && !ix.claimed[p.ID] {
		ix.claimed[p.ID] = true
		return p
	}
	return nil
}

func boardDate(day string) *string {
	if day == "" {
		return nil
	}
	v := premiumDate(day)
	return &v
}

func derefDay(v *string) string {
	if v == nil {
		return ""
	}
	return firstDay(*v)
}

// plannerChanges lists board fields that differ from the ERP task.
func plannerChanges(t *models.BCTask, bucketID string, cur *models.PlannerTask) map[string]any {
	changes := map[string]any{}
	if title := taskTitle(t); title != cur.Title {
		changes["title"] = title
	}
	if pct := PlannerPercent(t.PercentComplete); pct != cur.PercentComplete {
		changes["percentComplete"] = pct
	}
	if d := bcStart(t); d != derefDay(cur.StartDateTime) {
		changes["startDateTime"] = boardDate(d)
	}
	if d := bcEnd(t); d != derefDay(cur.DueDateTime) {
		changes["dueDateTime"] = boardDate(d)
	}
	if bucketID != "" && bucketID != cur.BucketID {
		changes["bucketId"] = bucketID
	}
	return changes
}

func (e *Engine) syncProjectToPlanner(ctx context.Context, projectNo string) (models.SyncSummary, error) {
	if e.planner == nil {
		return models.SyncSummary{}, errors.New("planner client not configured")
	}
	bcProject, err := e.bc.GetProject(ctx, projectNo)
	if err != nil {
		return models.SyncSummary{}, fmt.Errorf("load bc project: %w", err)
	}
	if bcProject == nil {
		return models.SyncSummary{}, ErrProjectNotFound
	}
	bcTasks, err := e.bc.ListProjectTasks(ctx, projectNo)
	if err != nil {
		return models.SyncSummary{}, fmt.Errorf("list bc tasks: %w", err)
	}

	var sum models.SummaryCounter
	bcTasks = e.resolveDuplicates(ctx, bcTasks, boardID, &sum)
	eligible, skipped := Classify(bcTasks)
	sum.Add(func(s *models.SyncSummary) {
		s.Skipped += skipped
		s.Tasks += len(eligible)
	})

	plan, err := e.findPlan(ctx, bcProject, bcTasks)
	if err != nil {
		return sum.Snapshot(), err
	}
	if plan == nil {
		if plan, err = e.planner.CreatePlan(ctx, PlanTitle(bcProject)); err != nil {
			return sum.Snapshot(), fmt.Errorf("create plan: %w", err)
		}
		e.logger.Info().Str("project_no", projectNo).Str("plan_id", plan.ID).Msg("created plan")
	}
	buckets, err := e.ensureBuckets(ctx, plan.ID, eligible)
	if err != nil {
		return sum.Snapshot(), err
	}
	boardTasks, err := e.planner.ListTasks(ctx, plan.ID)
	if err != nil {
		return sum.Snapshot(), fmt.Errorf("list plan tasks: %w", err)
	}

	ix := newPlannerIndex(boardTasks, bcTasks)
	e.forEachTask(eligible, func(st SectionedTask) {
		e.pushPlannerTask(ctx, st, plan.ID, buckets[bucketName(st.Section)], ix, &sum)
	})
	return sum.Snapshot(), nil
}

func (e *Engine) pushPlannerTask(ctx context.Context, st SectionedTask, planID, bucketID string, ix *plannerIndex, sum *models.SummaryCounter) {
	t := e.prepareLock(ctx, st.Task, sum)
	if t == nil {
		return
	}
	existing := ix.counterpart(t)
	var changes map[string]any
	if existing != nil {
		changes = plannerChanges(t, bucketID, existing)
		if len(changes) == 0 && e.stampsMatch(ctx, t, existing.ID, existing.ETag, planID) {
			sum.Add(func(s *models.SyncSummary) { s.Skipped++ })
			return
		}
	}

	locked, err := e.locker.Acquire(ctx, t)
	if err != nil {
		if httpclient.IsPreconditionFailed(err) {
			sum.Add(func(s *models.SyncSummary) { s.Skipped++ })
			return
		}
		e.taskError(sum, t, err, "failed to lock task")
		return
	}

	var (
		id      string
		etag    string
		created bool
	)
	switch {
	case existing == nil:
		task, err := e.planner.CreateTask(ctx, models.PlannerTask{
			PlanID:          planID,
			BucketID:        bucketID,
			Title:           taskTitle(t),
			PercentComplete: PlannerPercent(t.PercentComplete),
			StartDateTime:   boardDate(bcStart(t)),
			DueDateTime:     boardDate(bcEnd(t)),
		})
		if err != nil {
			e.abandon(ctx, locked)
			e.taskError(sum, t, err, "failed to create board task")
			return
		}
		id, etag, created = task.ID, task.ETag, true
	case len(changes) > 0:
		etag, err = e.planner.UpdateTask(ctx, existing.ID, existing.ETag, changes)
		if err != nil {
			e.abandon(ctx, locked)
			e.taskError(sum, t, err, "failed to update board task")
			return
		}
		id = existing.ID
	default:
		id, etag = existing.ID, existing.ETag
	}

	fields := e.schemaFields(ctx, map[string]any{
		fieldPlannerTaskID:   id,
		fieldPlannerPlanID:   planID,
		fieldLastPlannerEtag: etag,
	})
	if _, err := e.locker.Release(ctx, locked, fields); err != nil {
		e.taskError(sum, t, err, "failed to stamp link on bc task")
		return
	}
	sum.Add(func(s *models.SyncSummary) {
		if created {
			s.Created++
		} else {
			s.Updated++
		}
	})
}

func (e *Engine) syncProjectFromPlanner(ctx context.Context, projectNo string) (models.SyncSummary, error) {
	if e.planner == nil {
		return models.SyncSummary{}, errors.New("planner client not configured")
	}
	bcProject, err := e.bc.GetProject(ctx, projectNo)
	if err != nil {
		return models.SyncSummary{}, fmt.Errorf("load bc project: %w", err)
	}
	if bcProject == nil {
		return models.SyncSummary{}, ErrProjectNotFound
	}
	bcTasks, err := e.bc.ListProjectTasks(ctx, projectNo)
	if err != nil {
		return models.SyncSummary{}, fmt.Errorf("list bc tasks: %w", err)
	}
	plan, err := e.findPlan(ctx, bcProject, bcTasks)
	if err != nil {
		return models.SyncSummary{}, err
	}
	if plan == nil {
		e.logger.Debug().Str("project_no", projectNo).Msg("no plan, nothing to pull")
		return models.SyncSummary{}, nil
	}
	boardTasks, err := e.planner.ListTasks(ctx, plan.ID)
	if err != nil {
		return models.SyncSummary{}, fmt.Errorf("list plan tasks: %w", err)
	}

	var sum models.SummaryCounter
	bcTasks = e.resolveDuplicates(ctx, bcTasks, boardID, &sum)
	eligible, skipped := Classify(bcTasks)
	sum.Add(func(s *models.SyncSummary) {
		s.Skipped += skipped
		s.Tasks += len(eligible)
	})

	byID := make(map[string]*models.PlannerTask, len(boardTasks))
	for _, p := range boardTasks {
		byID[p.ID] = p
	}
	e.forEachTask(eligible, func(st SectionedTask) {
		e.pullPlannerTask(ctx, st.Task, plan.ID, byID, &sum)
	})
	return sum.Snapshot(), nil
}

func (e *Engine) pullPlannerTask(ctx context.Context, t *models.BCTask, planID string, byID map[string]*models.PlannerTask, sum *models.SummaryCounter) {
	if strings.TrimSpace(t.PlannerTaskID) == "" {
		sum.Add(func(s *models.SyncSummary) { s.Skipped++ })
		return
	}
	p := byID[t.PlannerTaskID]
	if p == nil {
		var err error
		if p, err = e.planner.GetTask(ctx, t.PlannerTaskID); err != nil {
			e.taskError(sum, t, err, "failed to load board task")
			return
		}
		if p == nil {
			e.counterpartGone(ctx, t, sum)
			return
		}
		if p.PlanID != "" && p.PlanID != planID {
			e.logger.Warn().Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Str("planner_task_id", t.PlannerTaskID).
				Str("plan_id", p.PlanID).Msg("board task belongs to another plan, skipping")
			sum.Add(func(s *models.SyncSummary) { s.Skipped++ })
			return
		}
	}
	// The board only knows three progress classes; a class change is the
	// only percent edit worth writing back.
	e.pullCounterpart(ctx, t, p.ETag, counterpartValues{
		Title:   p.Title,
		Percent: float64(p.PercentComplete),
		HasPct:  PlannerPercent(t.PercentComplete) != p.PercentComplete,
		Start:   derefDay(p.StartDateTime),
		End:     derefDay(p.DueDateTime),
	}, PercentMapping{}, sum)
}

// PreviewPlannerChanges reads the task delta of every project plan. Plans
// without a stored link establish their baseline.
func (e *Engine) PreviewPlannerChanges(ctx context.Context) (*ChangePreview, error) {
	if e.planner == nil {
		return nil, errors.New("planner client not configured")
	}
	plans, err := e.planner.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	p := &ChangePreview{planCursor: map[string]string{}}
	seen := map[string]bool{}
	for _, plan := range plans {
		no := ProjectNoFromPlan(plan.Title)
		if no == "" {
			continue
		}
		var link string
		if cur := e.cursors.Get(ctx, scopePlanPrefix+plan.ID); cur != nil {
			link = cur.DeltaLink
		}
		tasks, next, err := e.planner.DeltaTasks(ctx, plan.ID, link)
		if err != nil {
			e.logger.Warn().Err(err).Str("plan_id", plan.ID).Msg("plan delta failed, keeping cursor")
			continue
		}
		p.planCursor[plan.ID] = next
		p.Count += len(tasks)
		if link == "" {
			continue
		}
		for _, t := range tasks {
			if t.Removed {
				p.Removed = append(p.Removed, t.ID)
				continue
			}
			if !seen[no] {
				seen[no] = true
				p.ProjectNos = append(p.ProjectNos, no)
			}
		}
	}
	sort.Strings(p.ProjectNos)
	p.HasChanges = len(p.ProjectNos) > 0 || len(p.Removed) > 0
	return p, nil
}
