package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bcsync/internal/config"
	"bcsync/internal/domain"
	"bcsync/internal/logging"
	"bcsync/internal/metrics"
	"bcsync/internal/models"
	"bcsync/internal/repository"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrProjectNotFound means the ERP project a pass was asked for does not exist.
	ErrProjectNotFound = errors.New("project not found")
	// ErrScheduleAPIUnavailable is returned for a project when the schedule
	// API is required but not available.
	ErrScheduleAPIUnavailable = domain.ErrScheduleAPIUnavailable
)

// Options are the engine knobs derived from configuration.
type Options struct {
	Target               string
	PreferBC             bool
	BCModifiedGrace      time.Duration
	PremiumModifiedGrace time.Duration
	DecisionGrace        time.Duration
	LockTimeout          time.Duration
	MaxProjectsPerRun    int
	DeleteBehavior       string
	UseScheduleAPI       bool
	RequireScheduleAPI   bool
	ProjectConcurrency   int
	TaskConcurrency      int
	Percent              PercentMapping
	TaskNumberField      string
	BCScope              string
}

func OptionsFromConfig(cfg *config.Config) Options {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Options{
		Target:               cfg.Sync.Target,
		PreferBC:             cfg.Sync.PreferBC,
		BCModifiedGrace:      ms(cfg.Sync.BCModifiedGraceMs),
		PremiumModifiedGrace: ms(cfg.Sync.PremiumModifiedGraceMs),
		DecisionGrace:        ms(cfg.Sync.DecisionGraceMs),
		LockTimeout:          time.Duration(cfg.Sync.SyncLockTimeoutMinutes) * time.Minute,
		MaxProjectsPerRun:    cfg.Sync.MaxProjectsPerRun,
		DeleteBehavior:       cfg.Sync.DeleteBehavior,
		UseScheduleAPI:       cfg.Sync.UseScheduleAPI,
		RequireScheduleAPI:   cfg.Sync.RequireScheduleAPI,
		ProjectConcurrency:   cfg.Sync.ProjectConcurrency,
		TaskConcurrency:      cfg.Sync.TaskConcurrency,
		Percent: PercentMapping{
			Scale: cfg.Sync.PercentScale,
			Min:   cfg.Sync.PercentMin,
			Max:   cfg.Sync.PercentMax,
		},
		TaskNumberField: cfg.Premium.TaskNumberField,
		BCScope:         cfg.BC.CompanyID,
	}
}

// RunRecorder persists the outcome of a pass.
type RunRecorder interface {
	Save(ctx context.Context, rec repository.RunRecord)
}

// Deps are the collaborators of the engine. Premium or Planner may be nil
// when the other target is configured.
type Deps struct {
	BC       domain.BCClient
	Premium  domain.PremiumClient
	Planner  domain.PlannerClient
	Cursors  domain.CursorStore
	Settings domain.ProjectSettings
	Runs     RunRecorder
	Logger   *zerolog.Logger
}

// Engine reconciles ERP projects with their counterparts.
type Engine struct {
	opts     Options
	bc       domain.BCClient
	premium  domain.PremiumClient
	planner  domain.PlannerClient
	cursors  domain.CursorStore
	settings domain.ProjectSettings
	runs     RunRecorder
	locker   *Locker
	logger   *zerolog.Logger
	now      func() time.Time
}

func New(opts Options, deps Deps) *Engine {
	if opts.ProjectConcurrency <= 0 {
		opts.ProjectConcurrency = 1
	}
	if opts.TaskConcurrency <= 0 {
		opts.TaskConcurrency = 1
	}
	if opts.Target == "" {
		opts.Target = config.TargetPremium
	}
	if opts.DeleteBehavior == "" {
		opts.DeleteBehavior = config.DeleteClearLink
	}
	if opts.BCScope == "" {
		opts.BCScope = "default"
	}
	e := &Engine{
		opts:     opts,
		bc:       deps.BC,
		premium:  deps.Premium,
		planner:  deps.Planner,
		cursors:  deps.Cursors,
		settings: deps.Settings,
		runs:     deps.Runs,
		logger:   logging.Component(deps.Logger, "syncer"),
		now:      time.Now,
	}
	e.locker = NewLocker(deps.BC, opts.LockTimeout, func() time.Time { return e.now() })
	return e
}

// Options returns the effective engine options.
func (e *Engine) Options() Options {
	return e.opts
}

// schemaFields drops fields the ERP task schema does not expose.
func (e *Engine) schemaFields(ctx context.Context, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		ok, err := e.bc.HasTaskField(ctx, k)
		if err != nil {
			e.logger.Warn().Err(err).Str("field", k).Msg("schema lookup failed, dropping field")
			continue
		}
		if ok {
			out[k] = v
		}
	}
	return out
}

// resolveChange picks the first field name of c that the schema exposes.
func (e *Engine) resolveChange(ctx context.Context, c fieldChange) (string, bool) {
	for _, name := range c.names {
		if ok, err := e.bc.HasTaskField(ctx, name); err == nil && ok {
			return name, true
		}
	}
	return "", false
}

func (e *Engine) disabled(ctx context.Context, projectNo string) bool {
	return e.settings != nil && e.settings.IsDisabled(ctx, projectNo)
}

type projectFunc func(ctx context.Context, projectNo string) (models.SyncSummary, error)

func (e *Engine) projectFunc(direction string) (projectFunc, error) {
	switch {
	case direction == DirectionBCToPremium && e.opts.Target == config.TargetPlanner:
		return e.syncProjectToPlanner, nil
	case direction == DirectionPremiumToBC && e.opts.Target == config.TargetPlanner:
		return e.syncProjectFromPlanner, nil
	case direction == DirectionBCToPremium:
		return e.syncProjectToPremium, nil
	case direction == DirectionPremiumToBC:
		return e.syncProjectFromPremium, nil
	default:
		return nil, fmt.Errorf("unknown sync direction %q", direction)
	}
}

// SyncProjects reconciles the given projects in one direction. Per-record and
// per-project failures are counted in the summary; projects that could not
// be set up are also returned as a joined error. Other projects continue.
func (e *Engine) SyncProjects(ctx context.Context, direction string, projectNos []string) (models.SyncSummary, error) {
	fn, err := e.projectFunc(direction)
	if err != nil {
		return models.SyncSummary{}, err
	}
	started := e.now()
	defer func() { metrics.ObservePass(direction, e.now().Sub(started).Seconds()) }()

	var (
		mu      sync.Mutex
		total   models.SyncSummary
		setup   []error
		g       errgroup.Group
		visited = map[string]bool{}
	)
	g.SetLimit(e.opts.ProjectConcurrency)

	for _, no := range projectNos {
		if no == "" || visited[no] {
			continue
		}
		visited[no] = true
		if e.disabled(ctx, no) {
			e.logger.Info().Str("project_no", no).Str("direction", direction).Msg("project sync disabled, skipping")
			continue
		}
		g.Go(func() error {
			sum, err := fn(ctx, no)
			mu.Lock()
			defer mu.Unlock()
			sum.Projects++
			sum.ProjectNos = append(sum.ProjectNos, no)
			if err != nil {
				sum.Errors++
				setup = append(setup, fmt.Errorf("project %s: %w", no, err))
				e.logger.Error().Err(err).Str("project_no", no).Str("direction", direction).Msg("project sync failed")
			}
			total.Merge(sum)
			return nil
		})
	}
	_ = g.Wait()

	recordMetrics(direction, total)
	e.logger.Info().Str("direction", direction).Int("projects", total.Projects).Int("tasks", total.Tasks).
		Int("created", total.Created).Int("updated", total.Updated).Int("skipped", total.Skipped).
		Int("errors", total.Errors).Msg("sync pass finished")
	return total, errors.Join(setup...)
}

func recordMetrics(direction string, s models.SyncSummary) {
	metrics.AddSyncRecords(direction, "created", s.Created)
	metrics.AddSyncRecords(direction, "updated", s.Updated)
	metrics.AddSyncRecords(direction, "skipped", s.Skipped)
	metrics.AddSyncRecords(direction, "error", s.Errors)
}

// RunFullSync reconciles every ERP project in one direction, bounded by the
// per-run project cap.
func (e *Engine) RunFullSync(ctx context.Context, direction string) (models.SyncSummary, error) {
	started := e.now()
	projects, err := e.bc.ListProjects(ctx)
	if err != nil {
		return models.SyncSummary{}, fmt.Errorf("list projects: %w", err)
	}
	nos := make([]string, 0, len(projects))
	for _, p := range projects {
		nos = append(nos, p.No)
	}
	sort.Strings(nos)
	nos = e.capProjects(nos)

	sum, err := e.SyncProjects(ctx, direction, nos)
	e.record(ctx, repository.RunRecord{
		Kind:       "full",
		Decision:   direction,
		Reason:     "full reconciliation",
		StartedAt:  started,
		FinishedAt: e.now(),
		Summary:    sum,
	})
	return sum, err
}

func (e *Engine) capProjects(nos []string) []string {
	if e.opts.MaxProjectsPerRun > 0 && len(nos) > e.opts.MaxProjectsPerRun {
		e.logger.Info().Int("projects", len(nos)).Int("max", e.opts.MaxProjectsPerRun).Msg("capping projects for this run")
		return nos[:e.opts.MaxProjectsPerRun]
	}
	return nos
}

func (e *Engine) record(ctx context.Context, rec repository.RunRecord) {
	if e.runs != nil {
		e.runs.Save(ctx, rec)
	}
}

// forEachTask runs fn over tasks with bounded concurrency.
func (e *Engine) forEachTask(tasks []SectionedTask, fn func(SectionedTask)) {
	var g errgroup.Group
	g.SetLimit(e.opts.TaskConcurrency)
	for _, st := range tasks {
		g.Go(func() error {
			fn(st)
			return nil
		})
	}
	_ = g.Wait()
}

// prepareLock handles a locked task before processing. It returns the task to
// work with, or nil when the task must be skipped this pass.
func (e *Engine) prepareLock(ctx context.Context, t *models.BCTask, sum *models.SummaryCounter) *models.BCTask {
	switch e.locker.State(t) {
	case LockHeld:
		e.logger.Info().Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Msg("task locked by another writer, skipping")
		sum.Add(func(s *models.SyncSummary) { s.Skipped++ })
		return nil
	case LockStale:
		cleared, err := e.locker.ForceClear(ctx, t)
		if err != nil {
			e.logger.Error().Err(err).Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Msg("failed to clear stale lock")
			sum.Add(func(s *models.SyncSummary) { s.Errors++ })
			return nil
		}
		e.logger.Warn().Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Str("last_sync_at", t.LastSyncAt).
			Msg("cleared stale sync lock")
		return cleared
	}
	return t
}

// abandon releases only the lock after a failed write.
func (e *Engine) abandon(ctx context.Context, t *models.BCTask) {
	if _, err := e.locker.ForceClear(ctx, t); err != nil {
		e.logger.Error().Err(err).Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Msg("failed to release lock after error")
	}
}

func (e *Engine) taskError(sum *models.SummaryCounter, t *models.BCTask, err error, msg string) {
	e.logger.Error().Err(err).Str("project_no", t.ProjectNo).Str("task_no", t.TaskNo).Str("system_id", t.SystemID).Msg(msg)
	sum.Add(func(s *models.SyncSummary) { s.Errors++ })
}
