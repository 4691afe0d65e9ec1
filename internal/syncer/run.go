package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"bcsync/internal/config"
	"bcsync/internal/models"
	"bcsync/internal/repository"
)

// Cursor scopes.
const (
	scopePremiumTasks = "premium:tasks"
	scopePlanPrefix   = "planner:"
)

func (e *Engine) bcScope() string {
	return "bc:" + e.opts.BCScope
}

// PreviewBCChanges reads the ERP change feed since the stored cursor. The
// cursor is not advanced.
func (e *Engine) PreviewBCChanges(ctx context.Context) (*ChangePreview, error) {
	scope := e.bcScope()
	var since int64
	if cur := e.cursors.Get(ctx, scope); cur != nil {
		since = cur.SequenceNo
	}
	changes, last, err := e.bc.ChangesSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("read bc change feed: %w", err)
	}

	p := &ChangePreview{scope: scope, nextSeq: last, Count: len(changes)}
	if p.nextSeq < since {
		p.nextSeq = since
	}
	seen := map[string]bool{}
	for _, ch := range changes {
		if ch.ProjectNo != "" && !seen[ch.ProjectNo] {
			seen[ch.ProjectNo] = true
			p.ProjectNos = append(p.ProjectNos, ch.ProjectNo)
		}
		if ts := models.ParseTime(ch.ChangedAt); ts.After(p.LatestChange) {
			p.LatestChange = ts
		}
	}
	sort.Strings(p.ProjectNos)
	p.HasChanges = len(changes) > 0
	return p, nil
}

// PreviewPremiumChanges reads the entity-store task delta since the stored
// link. Without a stored link the read establishes a baseline and reports no
// changes.
func (e *Engine) PreviewPremiumChanges(ctx context.Context) (*ChangePreview, error) {
	if e.premium == nil {
		return nil, errors.New("premium client not configured")
	}
	cur := e.cursors.Get(ctx, scopePremiumTasks)
	var link string
	if cur != nil {
		link = cur.DeltaLink
	}
	tasks, next, err := e.premium.Delta(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("read premium delta: %w", err)
	}
	p := &ChangePreview{scope: scopePremiumTasks, nextLink: next, Count: len(tasks)}
	if link == "" {
		e.logger.Info().Int("tasks", len(tasks)).Msg("premium delta baseline established")
		return p, nil
	}

	numbers := map[string]string{}
	seen := map[string]bool{}
	for _, t := range tasks {
		if t.Removed {
			p.Removed = append(p.Removed, t.ID)
			continue
		}
		if t.ModifiedOn.After(p.LatestChange) {
			p.LatestChange = t.ModifiedOn
		}
		no, ok := numbers[t.ProjectID]
		if !ok && t.ProjectID != "" {
			proj, err := e.premium.GetProject(ctx, t.ProjectID)
			if err != nil {
				e.logger.Warn().Err(err).Str("premium_project_id", t.ProjectID).Msg("could not resolve premium project")
			} else if proj != nil {
				no = proj.Number
			}
			numbers[t.ProjectID] = no
		}
		if no != "" && !seen[no] {
			seen[no] = true
			p.ProjectNos = append(p.ProjectNos, no)
		}
	}
	sort.Strings(p.ProjectNos)
	p.HasChanges = len(p.ProjectNos) > 0 || len(p.Removed) > 0
	return p, nil
}

func (e *Engine) previewCounterpart(ctx context.Context) (*ChangePreview, error) {
	if e.opts.Target == config.TargetPlanner {
		return e.PreviewPlannerChanges(ctx)
	}
	return e.PreviewPremiumChanges(ctx)
}

// Decide previews both sides and returns the direction a run would take,
// without applying anything or moving cursors.
func (e *Engine) Decide(ctx context.Context) (Decision, error) {
	bc, err := e.PreviewBCChanges(ctx)
	if err != nil {
		return Decision{}, err
	}
	other, err := e.previewCounterpart(ctx)
	if err != nil {
		return Decision{}, err
	}
	return Decide(bc, other, e.policy()), nil
}

func (e *Engine) policy() Policy {
	return Policy{PreferBC: e.opts.PreferBC, Grace: e.opts.DecisionGrace}
}

// RunResult is the outcome of RunSync.
type RunResult struct {
	Decision Decision           `json:"decision"`
	Summary  models.SyncSummary `json:"summary"`
}

// RunSync previews both sides, decides, applies the winning direction to
// projects changed on both sides and each side's own direction to the rest,
// then commits the cursors.
func (e *Engine) RunSync(ctx context.Context) (RunResult, error) {
	started := e.now()
	bcPrev, err := e.PreviewBCChanges(ctx)
	if err != nil {
		return RunResult{}, err
	}
	otherPrev, err := e.previewCounterpart(ctx)
	if err != nil {
		return RunResult{}, err
	}
	decision := Decide(bcPrev, otherPrev, e.policy())
	e.logger.Info().Str("decision", decision.Decision).Str("reason", decision.Reason).
		Int("bc_changes", bcPrev.Count).Int("counterpart_changes", otherPrev.Count).Msg("sync decision")

	var (
		total models.SyncSummary
		errs  []error
	)
	if decision.Decision != DirectionNone {
		toCounterpart, toBC := e.splitProjects(bcPrev.ProjectNos, otherPrev.ProjectNos, decision.Decision)
		if len(toCounterpart) > 0 {
			sum, err := e.SyncProjects(ctx, DirectionBCToPremium, toCounterpart)
			total.Merge(sum)
			errs = append(errs, err)
		}
		if len(toBC) > 0 {
			sum, err := e.SyncProjects(ctx, DirectionPremiumToBC, toBC)
			total.Merge(sum)
			errs = append(errs, err)
		}
		if len(otherPrev.Removed) > 0 {
			total.Merge(e.applyRemovals(ctx, otherPrev.Removed))
		}
	}

	e.commitCursors(ctx, bcPrev, otherPrev)
	e.record(ctx, repository.RunRecord{
		Kind:       "delta",
		Decision:   decision.Decision,
		Reason:     decision.Reason,
		StartedAt:  started,
		FinishedAt: e.now(),
		Summary:    total,
	})
	return RunResult{Decision: decision, Summary: total}, errors.Join(errs...)
}

// splitProjects routes projects changed on both sides by the decision and
// the rest by where they changed, capped at the per-run project limit.
func (e *Engine) splitProjects(bcNos, otherNos []string, decision string) (toCounterpart, toBC []string) {
	inBC := map[string]bool{}
	for _, no := range bcNos {
		inBC[no] = true
	}
	inOther := map[string]bool{}
	for _, no := range otherNos {
		inOther[no] = true
	}
	all := make([]string, 0, len(inBC)+len(inOther))
	for no := range inBC {
		all = append(all, no)
	}
	for no := range inOther {
		if !inBC[no] {
			all = append(all, no)
		}
	}
	sort.Strings(all)
	if capped := e.capProjects(all); len(capped) < len(all) {
		e.logger.Warn().Strs("deferred", all[len(capped):]).Msg("projects left for the next full reconciliation")
		all = capped
	}

	for _, no := range all {
		switch {
		case inBC[no] && inOther[no]:
			if decision == DirectionBCToPremium {
				toCounterpart = append(toCounterpart, no)
			} else {
				toBC = append(toBC, no)
			}
		case inBC[no]:
			toCounterpart = append(toCounterpart, no)
		default:
			toBC = append(toBC, no)
		}
	}
	return toCounterpart, toBC
}

func (e *Engine) commitCursors(ctx context.Context, bc, other *ChangePreview) {
	if bc != nil && bc.scope != "" {
		e.cursors.Save(ctx, models.SyncCursor{Scope: bc.scope, SequenceNo: bc.nextSeq})
	}
	if other == nil {
		return
	}
	if other.scope != "" && other.nextLink != "" {
		e.cursors.Save(ctx, models.SyncCursor{Scope: other.scope, DeltaLink: other.nextLink})
	}
	for planID, link := range other.planCursor {
		if link != "" {
			e.cursors.Save(ctx, models.SyncCursor{Scope: scopePlanPrefix + planID, DeltaLink: link})
		}
	}
}

