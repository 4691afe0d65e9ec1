package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"bcsync/internal/domain"
	"bcsync/internal/httpclient"
	"bcsync/internal/logging"
	"bcsync/internal/metrics"
	"bcsync/internal/models"
	"bcsync/internal/premium"
	"bcsync/internal/syncer"

	"github.com/rs/zerolog"
)

// Queue is the job FIFO the processor drains.
type Queue interface {
	Push(ctx context.Context, job models.WebhookJob) error
	Pop(ctx context.Context) (*models.WebhookJob, error)
	Len(ctx context.Context) (int64, error)
}

// Syncer applies one direction to a set of projects.
type Syncer interface {
	SyncProjects(ctx context.Context, direction string, projectNos []string) (models.SyncSummary, error)
}

// Alerter is told about jobs that exhausted their retries.
type Alerter interface {
	JobDeadLettered(ctx context.Context, job models.WebhookJob, cause error)
}

// JobProcessor drains webhook jobs, resolves each to an ERP project number
// and runs a project-scoped sync per direction. Failed jobs are requeued with
// backoff until the retry policy gives up, then moved to the dead letter.
type JobProcessor struct {
	queue        Queue
	deadLetter   Queue
	bc           domain.BCClient
	premium      domain.PremiumClient
	syncer       Syncer
	log          domain.LogPublisher
	alerts       Alerter
	retryPolicy  httpclient.RetryPolicy
	batchSize    int
	pollInterval time.Duration
	logger       *zerolog.Logger
	now          func() time.Time
}

// Options tune the drain loop.
type Options struct {
	BatchSize    int
	PollInterval time.Duration
	Retry        httpclient.RetryPolicy
	Alerts       Alerter
}

func NewJobProcessor(queue, deadLetter Queue, bc domain.BCClient, premiumClient domain.PremiumClient, s Syncer, log domain.LogPublisher, opts Options, logger *zerolog.Logger) *JobProcessor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = httpclient.DefaultRetryPolicy()
	}
	return &JobProcessor{
		queue:        queue,
		deadLetter:   deadLetter,
		bc:           bc,
		premium:      premiumClient,
		syncer:       s,
		log:          log,
		alerts:       opts.Alerts,
		retryPolicy:  opts.Retry,
		batchSize:    opts.BatchSize,
		pollInterval: opts.PollInterval,
		logger:       logging.Component(logger, "worker"),
		now:          time.Now,
	}
}

// DrainResult summarizes one drain.
type DrainResult struct {
	Popped   int                `json:"popped"`
	Dropped  int                `json:"dropped"`
	Retried  int                `json:"retried"`
	Dead     int                `json:"dead"`
	Deferred int                `json:"deferred"`
	Summary  models.SyncSummary `json:"summary"`
}

// Start drains the queue until ctx is done, sleeping when it is empty.
func (w *JobProcessor) Start(ctx context.Context) {
	w.logger.Info().Msg("job processor started")
	defer w.logger.Info().Msg("job processor stopped")

	for {
		res, err := w.Drain(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("drain failed")
		}
		if err == nil && res.Popped > res.Deferred {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

type target struct {
	direction string
	projectNo string
}

// Drain pops up to one batch of jobs and processes them.
func (w *JobProcessor) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	defer w.reportDepth(ctx)

	// Deferred jobs go back on the queue, so stop once one comes around again.
	jobs := make([]models.WebhookJob, 0, w.batchSize)
	deferred := map[string]bool{}
	for len(jobs)+res.Deferred < w.batchSize {
		job, err := w.queue.Pop(ctx)
		if err != nil {
			return res, fmt.Errorf("pop job: %w", err)
		}
		if job == nil {
			break
		}
		seen := deferred[job.ID]
		if seen || job.NotBefore.After(w.now()) {
			if err := w.queue.Push(ctx, *job); err != nil {
				return res, fmt.Errorf("defer job: %w", err)
			}
			if seen {
				break
			}
			res.Popped++
			res.Deferred++
			deferred[job.ID] = true
			continue
		}
		res.Popped++
		jobs = append(jobs, *job)
	}
	if len(jobs) == 0 {
		return res, nil
	}

	groups := map[string][]string{}
	byTarget := map[target][]models.WebhookJob{}
	for _, job := range jobs {
		tgt, err := w.resolve(ctx, job)
		if err != nil {
			w.logger.Warn().Err(err).Str("source", job.Source).Str("system_id", job.SystemID).Msg("could not resolve job")
			w.retry(ctx, job, err, &res)
			continue
		}
		if tgt.projectNo == "" {
			res.Dropped++
			w.publish(job, models.OutcomeProcessed, "no project to sync")
			continue
		}
		if _, ok := byTarget[tgt]; !ok {
			groups[tgt.direction] = append(groups[tgt.direction], tgt.projectNo)
		}
		byTarget[tgt] = append(byTarget[tgt], job)
	}

	directions := make([]string, 0, len(groups))
	for d := range groups {
		directions = append(directions, d)
	}
	sort.Strings(directions)
	for _, direction := range directions {
		nos := groups[direction]
		sort.Strings(nos)
		sum, err := w.syncer.SyncProjects(ctx, direction, nos)
		res.Summary.Merge(sum)
		for _, no := range nos {
			for _, job := range byTarget[target{direction: direction, projectNo: no}] {
				if err != nil && failedProject(err, no) {
					w.retry(ctx, job, err, &res)
					continue
				}
				w.publish(job, models.OutcomeProcessed, direction+" "+no)
			}
		}
	}
	return res, nil
}

// failedProject reports whether err names projectNo among the failed projects.
// Unattributed errors fail every project.
func failedProject(err error, projectNo string) bool {
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		return true
	}
	for _, e := range joined.Unwrap() {
		if strings.HasPrefix(e.Error(), "project "+projectNo+":") {
			return true
		}
	}
	return false
}

// resolve maps a job onto the direction and ERP project it affects. An empty
// project number means there is nothing to sync.
func (w *JobProcessor) resolve(ctx context.Context, job models.WebhookJob) (target, error) {
	deleted := strings.HasPrefix(job.ChangeType, "delete")
	switch job.Source {
	case models.SourceBC:
		tgt := target{direction: syncer.DirectionBCToPremium}
		if deleted {
			return tgt, nil
		}
		switch strings.ToLower(job.EntitySet) {
		case "projects":
			p, err := w.bc.GetProjectByID(ctx, job.SystemID)
			if err != nil || p == nil {
				return tgt, err
			}
			tgt.projectNo = p.No
		default:
			t, err := w.bc.GetTask(ctx, job.SystemID)
			if err != nil || t == nil {
				return tgt, err
			}
			tgt.projectNo = t.ProjectNo
		}
		return tgt, nil

	case models.SourcePremium:
		tgt := target{direction: syncer.DirectionPremiumToBC}
		if w.premium == nil {
			return tgt, nil
		}
		if job.EntitySet == premium.ProjectsSet {
			p, err := w.premium.GetProject(ctx, job.SystemID)
			if err != nil || p == nil {
				return tgt, err
			}
			tgt.projectNo = p.Number
			return tgt, nil
		}
		if !deleted {
			t, err := w.premium.GetTask(ctx, job.SystemID)
			if err != nil {
				return tgt, err
			}
			if t != nil {
				p, err := w.premium.GetProject(ctx, t.ProjectID)
				if err != nil || p == nil {
					return tgt, err
				}
				tgt.projectNo = p.Number
				return tgt, nil
			}
		}
		linked, err := w.bc.ListTasksByCounterpart(ctx, job.SystemID)
		if err != nil || len(linked) == 0 {
			return tgt, err
		}
		tgt.projectNo = linked[0].ProjectNo
		return tgt, nil
	}
	return target{}, nil
}

func (w *JobProcessor) retry(ctx context.Context, job models.WebhookJob, cause error, res *DrainResult) {
	job.Attempts++
	if job.Attempts >= w.retryPolicy.MaxAttempts {
		res.Dead++
		w.publish(job, models.OutcomeError, "giving up: "+cause.Error())
		if w.deadLetter != nil {
			if err := w.deadLetter.Push(ctx, job); err != nil {
				w.logger.Error().Err(err).Str("job_id", job.ID).Msg("dead letter push failed")
			}
		}
		if w.alerts != nil {
			w.alerts.JobDeadLettered(ctx, job, cause)
		}
		return
	}
	job.NotBefore = w.now().Add(w.retryPolicy.NextDelay(job.Attempts))
	if err := w.queue.Push(ctx, job); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("requeue failed, job lost")
		return
	}
	res.Retried++
	w.logger.Warn().Err(cause).Str("job_id", job.ID).Int("attempt", job.Attempts).Time("not_before", job.NotBefore).Msg("job requeued")
}

func (w *JobProcessor) publish(job models.WebhookJob, outcome, message string) {
	metrics.IncWebhook(job.Source, outcome)
	if w.log != nil {
		w.log.Publish(models.LogEntry{Source: job.Source, Outcome: outcome, Message: message, Job: &job})
	}
}

func (w *JobProcessor) reportDepth(ctx context.Context) {
	n, err := w.queue.Len(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueDepth(n)
}
