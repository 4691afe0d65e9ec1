package worker

import (
	"context"
	"time"

	"bcsync/internal/logging"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PeriodicTask is one job the scheduler repeats.
type PeriodicTask struct {
	Name       string
	Interval   time.Duration
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Scheduler runs periodic tasks, each in its own loop so a slow task never
// overlaps itself.
type Scheduler struct {
	tasks  []PeriodicTask
	logger *zerolog.Logger

	// OnError, when set, is called after a task fails.
	OnError func(task string, err error)
}

func NewScheduler(logger *zerolog.Logger, tasks ...PeriodicTask) *Scheduler {
	return &Scheduler{tasks: tasks, logger: logging.Component(logger, "scheduler")}
}

// Start blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, task := range s.tasks {
		if task.Interval <= 0 || task.Run == nil {
			s.logger.Warn().Str("task", task.Name).Msg("periodic task disabled")
			continue
		}
		g.Go(func() error {
			s.loop(ctx, task)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, task PeriodicTask) {
	s.logger.Info().Str("task", task.Name).Dur("interval", task.Interval).Msg("periodic task scheduled")
	if task.RunAtStart {
		s.runOnce(ctx, task)
	}
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, task)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, task PeriodicTask) {
	start := time.Now()
	if err := task.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error().Err(err).Str("task", task.Name).Dur("duration", time.Since(start)).Msg("periodic task failed")
		if s.OnError != nil {
			s.OnError(task.Name, err)
		}
		return
	}
	s.logger.Debug().Str("task", task.Name).Dur("duration", time.Since(start)).Msg("periodic task finished")
}
