package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"bcsync/internal/httpclient"
	"bcsync/internal/models"
	"bcsync/internal/premium"

	"github.com/google/uuid"
)

// premiumIndex locates counterparts within one project. A task already linked
// by some ERP task cannot be claimed again through the fallback lookups.
type premiumIndex struct {
	mu       sync.Mutex
	byID     map[string]*models.PremiumTask
	byNumber map[string]*models.PremiumTask
	byTitle  map[string]*models.PremiumTask
	claimed  map[string]bool
}

func normID(id string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(id), "{}"))
}

func newPremiumIndex(tasks []*models.PremiumTask, linked []*models.BCTask) *premiumIndex {
	ix := &premiumIndex{
		byID:     make(map[string]*models.PremiumTask, len(tasks)),
		byNumber: make(map[string]*models.PremiumTask),
		byTitle:  make(map[string]*models.PremiumTask),
		claimed:  make(map[string]bool),
	}
	for _, p := range tasks {
		ix.byID[normID(p.ID)] = p
		if p.TaskNumber != "" {
			ix.byNumber[strings.TrimSpace(p.TaskNumber)] = p
		}
		if title := strings.ToLower(strings.TrimSpace(p.Subject)); title != "" {
			if _, dup := ix.byTitle[title]; !dup {
				ix.byTitle[title] = p
			}
		}
	}
	for _, t := range linked {
		if id := normID(t.PlannerTaskID); id != "" && ix.byID[id] != nil {
			ix.claimed[id] = true
		}
	}
	return ix
}

// counterpart resolves the entity-store task for t: the persisted link when it
// is well-formed and belongs to this project, then the task-number cross
// reference, then an exact title match.
func (ix *premiumIndex) counterpart(t *models.BCTask) *models.PremiumTask {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if premium.ValidID(t.PlannerTaskID) {
		if p := ix.byID[normID(t.PlannerTaskID)]; p != nil {
			return p
		}
	}
	return ix.fallback(t)
}

// relocate finds t's counterpart by task number or title, ignoring the
// persisted link.
func (ix *premiumIndex) relocate(t *models.BCTask) *models.PremiumTask {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.fallback(t)
}

// fallback must be called with ix.mu held.
func (ix *premiumIndex) fallback(t *models.BCTask) *models.PremiumTask {
	if p := ix.byNumber[strings.TrimSpace(t.TaskNo)]; p != nil && !ix.claimed[normID(p.ID)] {
		ix.claimed[normID(p.ID)] = true
		return p
	}
	if p := ix.byTitle[strings.ToLower(taskTitle(t))]; p != nil && !ix.claimed[normID(p.ID)] {
		ix.claimed[normID(p.ID)] = true
		return p
	}
	return nil
}

func (e *Engine) ensurePremiumProject(ctx context.Context, p *models.BCProject) (*models.PremiumProject, error) {
	proj, err := e.premium.FindProjectByNumber(ctx, p.No)
	if err != nil {
		return nil, fmt.Errorf("find premium project: %w", err)
	}
	if proj != nil {
		return proj, nil
	}
	proj, err = e.premium.CreateProject(ctx, p.No, p.Description)
	if err != nil {
		return nil, fmt.Errorf("create premium project: %w", err)
	}
	e.logger.Info().Str("project_no", p.No).Str("premium_project_id", proj.ID).Msg("created premium project")
	return proj, nil
}

func (e *Engine) syncProjectToPremium(ctx context.Context, projectNo string) (models.SyncSummary, error) {
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
	proj, err := e.ensurePremiumProject(ctx, bcProject)
	if err != nil {
		return models.SyncSummary{}, err
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

	useBatch, err := e.batchMode()
	if err != nil {
		return sum.Snapshot(), err
	}
	var batch *operationBatch
	if useBatch {
		batch = &operationBatch{projectID: proj.ID, description: "bcsync " + projectNo}
	}

	ix := newPremiumIndex(premTasks, bcTasks)
	e.forEachTask(eligible, func(st SectionedTask) {
		e.pushTask(ctx, st.Task, proj, ix, batch, &sum)
	})
	if batch != nil {
		e.commitBatch(ctx, proj, batch, &sum)
	}
	return sum.Snapshot(), nil
}

// batchMode reports whether writes go through the schedule API.
func (e *Engine) batchMode() (bool, error) {
	if !e.opts.UseScheduleAPI && !e.opts.RequireScheduleAPI {
		return false, nil
	}
	if e.premium.ScheduleAPIAvailable() {
		return true, nil
	}
	if e.opts.RequireScheduleAPI {
		return false, ErrScheduleAPIUnavailable
	}
	return false, nil
}

// stampsMatch reports whether the ERP task already records this counterpart
// state, considering only link fields the schema exposes.
func (e *Engine) stampsMatch(ctx context.Context, t *models.BCTask, counterpartID, etag, planID string) bool {
	want := e.schemaFields(ctx, map[string]any{
		fieldPlannerTaskID:   counterpartID,
		fieldPlannerPlanID:   planID,
		fieldLastPlannerEtag: etag,
	})
	for field, v := range want {
		var have string
		switch field {
		case fieldPlannerTaskID:
			have = normID(t.PlannerTaskID)
			v = normID(v.(string))
		case fieldPlannerPlanID:
			have = t.PlannerPlanID
		case fieldLastPlannerEtag:
			have = t.LastPlannerEtag
		}
		if have != v {
			return false
		}
	}
	return true
}

// premiumAhead is true when the counterpart carries an edit newer than the
// last sync and the policy favours the entity store.
func (e *Engine) premiumAhead(t *models.BCTask, p *models.PremiumTask) bool {
	if e.opts.PreferBC || p.ETag == t.LastPlannerEtag {
		return false
	}
	last, ok := t.LastSyncTime()
	return ok && p.ModifiedOn.After(last.Add(e.opts.PremiumModifiedGrace))
}

func (e *Engine) pushTask(ctx context.Context, t *models.BCTask, proj *models.PremiumProject, ix *premiumIndex, batch *operationBatch, sum *models.SummaryCounter) {
	if t = e.prepareLock(ctx, t, sum); t == nil {
		return
	}
	existing := ix.counterpart(t)
	desired := premiumPayload(t, proj.ID, e.opts.TaskNumberField, e.opts.Percent)

	var changes map[string]any
	if existing != nil {
		if e.premiumAhead(t, existing) {
			e.logger.Info().Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Str("premium_task_id", existing.ID).
				Msg("premium has newer unsynced edits, skipping")
			sum.Add(func(s *models.SyncSummary) { s.Skipped++ })
			return
		}
		changes = premiumChanges(desired, existing, e.opts.TaskNumberField)
		if len(changes) == 0 && e.stampsMatch(ctx, t, existing.ID, existing.ETag, proj.ID) {
			sum.Add(func(s *models.SyncSummary) { s.Skipped++ })
			return
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

	if batch != nil && (existing == nil || len(changes) > 0) {
		staged, err := e.stageTask(ctx, locked, existing, desired, changes, batch)
		if err == nil && staged {
			return
		}
		if err != nil {
			e.abandon(ctx, locked)
			e.taskError(sum, t, err, "failed to stage task write")
			return
		}
	}

	var (
		id      string
		etag    string
		created bool
	)
	switch {
	case existing == nil:
		task, err := e.premium.CreateTask(ctx, desired)
		if err != nil {
			e.abandon(ctx, locked)
			e.taskError(sum, t, err, "failed to create premium task")
			return
		}
		id, etag, created = task.ID, task.ETag, true
	case len(changes) > 0:
		etag, err = e.premium.UpdateTask(ctx, existing.ID, existing.ETag, changes)
		if err != nil {
			e.abandon(ctx, locked)
			e.taskError(sum, t, err, "failed to update premium task")
			return
		}
		id = existing.ID
		if etag == "" {
			etag = e.refetchETag(ctx, id)
		}
	default:
		id, etag = existing.ID, existing.ETag
	}

	if err := e.finishPremiumTask(ctx, locked, proj.ID, id, etag); err != nil {
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
	e.logger.Debug().Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Str("premium_task_id", id).
		Bool("created", created).Msg("pushed task to premium")
	e.ensureAssignment(ctx, proj.ID, id, t)
}

func (e *Engine) refetchETag(ctx context.Context, id string) string {
	p, err := e.premium.GetTask(ctx, id)
	if err != nil || p == nil {
		e.logger.Warn().Err(err).Str("premium_task_id", id).Msg("could not read etag after update")
		return ""
	}
	return p.ETag
}

// finishPremiumTask stamps the link onto the ERP task and releases its lock.
func (e *Engine) finishPremiumTask(ctx context.Context, locked *models.BCTask, projectID, id, etag string) error {
	fields := e.schemaFields(ctx, map[string]any{
		fieldPlannerTaskID:   id,
		fieldPlannerPlanID:   projectID,
		fieldLastPlannerEtag: etag,
	})
	_, err := e.locker.Release(ctx, locked, fields)
	return err
}

// ensureAssignment makes the ERP assignee a team member with an assignment on
// the task. Failures are logged; they never fail the task.
func (e *Engine) ensureAssignment(ctx context.Context, projectID, taskID string, t *models.BCTask) {
	name := strings.TrimSpace(t.AssignedTo)
	if name == "" {
		return
	}
	log := e.logger.With().Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Str("assignee", name).Logger()
	resourceID, err := e.premium.FindBookableResource(ctx, name)
	if err != nil {
		log.Warn().Err(err).Msg("bookable resource lookup failed")
		return
	}
	if resourceID == "" {
		log.Debug().Msg("no bookable resource for assignee")
		return
	}
	memberID, err := e.premium.EnsureTeamMember(ctx, projectID, resourceID, name)
	if err != nil {
		log.Warn().Err(err).Msg("failed to ensure team member")
		return
	}
	if err := e.premium.EnsureResourceAssignment(ctx, projectID, taskID, memberID, resourceID); err != nil {
		log.Warn().Err(err).Msg("failed to ensure resource assignment")
	}
}

// operationBatch collects the staged writes of one project. The operation
// set is created on first use so an unchanged project writes nothing.
type operationBatch struct {
	projectID   string
	description string

	mu      sync.Mutex
	id      string
	err     error
	pending []pendingWrite
}

type pendingWrite struct {
	task      *models.BCTask
	premiumID string
	created   bool
}

func (b *operationBatch) operationSet(ctx context.Context, client interface {
	CreateOperationSet(ctx context.Context, projectID, description string) (string, error)
}) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.id == "" && b.err == nil {
		b.id, b.err = client.CreateOperationSet(ctx, b.projectID, b.description)
	}
	return b.id, b.err
}

func (b *operationBatch) add(w pendingWrite) {
	b.mu.Lock()
	b.pending = append(b.pending, w)
	b.mu.Unlock()
}

// stageTask adds the write to the operation set. staged is false without an
// error when the schedule API turned out to be unavailable and the caller
// should write directly.
func (e *Engine) stageTask(ctx context.Context, locked *models.BCTask, existing *models.PremiumTask, desired, changes map[string]any, batch *operationBatch) (staged bool, err error) {
	opID, err := batch.operationSet(ctx, e.premium)
	if err != nil {
		if errors.Is(err, ErrScheduleAPIUnavailable) && !e.opts.RequireScheduleAPI {
			return false, nil
		}
		return false, err
	}

	if existing == nil {
		id := uuid.NewString()
		payload := make(map[string]any, len(desired)+1)
		for k, v := range desired {
			payload[k] = v
		}
		payload[premium.FieldTaskID] = id
		if err := e.premium.PssCreate(ctx, opID, payload); err != nil {
			return false, err
		}
		batch.add(pendingWrite{task: locked, premiumID: id, created: true})
		return true, nil
	}

	if err := e.premium.PssUpdate(ctx, opID, existing.ID, changes); err != nil {
		return false, err
	}
	batch.add(pendingWrite{task: locked, premiumID: existing.ID})
	return true, nil
}

// commitBatch executes the operation set and then stamps every staged task.
// A failed execute releases the locks only and counts each staged task as an
// error; writes made directly before the failure stay committed.
func (e *Engine) commitBatch(ctx context.Context, proj *models.PremiumProject, batch *operationBatch, sum *models.SummaryCounter) {
	batch.mu.Lock()
	pending := batch.pending
	opID := batch.id
	batch.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	if err := e.premium.ExecuteOperationSet(ctx, opID); err != nil {
		e.logger.Error().Err(err).Str("premium_project_id", proj.ID).Str("operation_set_id", opID).
			Int("pending", len(pending)).Msg("operation set failed, releasing locks")
		for _, w := range pending {
			e.abandon(ctx, w.task)
		}
		sum.Add(func(s *models.SyncSummary) { s.Errors += len(pending) })
		return
	}

	etags := map[string]string{}
	if fresh, err := e.premium.ListProjectTasks(ctx, proj.ID); err != nil {
		e.logger.Warn().Err(err).Str("premium_project_id", proj.ID).Msg("could not relist tasks after operation set")
	} else {
		for _, p := range fresh {
			etags[normID(p.ID)] = p.ETag
		}
	}

	for _, w := range pending {
		if err := e.finishPremiumTask(ctx, w.task, proj.ID, w.premiumID, etags[normID(w.premiumID)]); err != nil {
			e.taskError(sum, w.task, err, "failed to stamp link after operation set")
			continue
		}
		created := w.created
		sum.Add(func(s *models.SyncSummary) {
			if created {
				s.Created++
			} else {
				s.Updated++
			}
		})
		e.ensureAssignment(ctx, proj.ID, w.premiumID, w.task)
	}
}
