// Package app wires configuration into the long-lived components shared by
// the service and the operator CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bcsync/internal/bc"
	"bcsync/internal/config"
	"bcsync/internal/database"
	"bcsync/internal/domain"
	"bcsync/internal/events"
	"bcsync/internal/export"
	"bcsync/internal/httpclient"
	"bcsync/internal/notify"
	"bcsync/internal/planner"
	"bcsync/internal/premium"
	"bcsync/internal/repository"
	"bcsync/internal/service"
	"bcsync/internal/syncer"
	"bcsync/internal/webhook"
	"bcsync/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// App holds every wired component. Premium or Planner is nil depending on the
// configured target.
type App struct {
	Config *config.Config
	Logger *zerolog.Logger

	Redis *redis.Client
	DB    *database.DB
	KV    domain.KVStore
	Keys  repository.Keyspace

	BC      *bc.Client
	Premium *premium.Client
	Planner *planner.Client

	Cursors       *repository.CursorStore
	Settings      *repository.ProjectSettingsStore
	Subscriptions *repository.SubscriptionStore
	Runs          *repository.SummaryStore
	Queue         *repository.JobQueue
	DeadLetter    *repository.JobQueue

	Log      *events.LogSink
	Engine   *syncer.Engine
	Ingestor *webhook.Ingestor
	Worker   *worker.JobProcessor

	ProjectSettings *service.ProjectSettingsService
	SubscriptionSvc *service.SubscriptionService

	// Optional; nil when not configured or unreachable at startup.
	Notifier *notify.Notifier
	Sheets   *export.SheetsPublisher
}

// New builds the component graph. Nothing talks to an upstream system until a
// component is used.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	a := &App{Config: cfg, Logger: logger, Keys: repository.NewKeyspace(cfg.Redis.KeyPrefix)}

	db, err := database.NewDB(cfg.Storage.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}
	a.DB = db
	a.Redis = repository.NewRedisClient(cfg.Redis)
	a.KV = repository.NewStateKV(ctx, a.Redis, db, logger)

	a.Cursors = repository.NewCursorStore(a.KV, a.Keys, logger)
	a.Settings = repository.NewProjectSettingsStore(a.KV, a.Keys, logger)
	a.Subscriptions = repository.NewSubscriptionStore(a.KV, a.Keys, logger)
	a.Runs = repository.NewSummaryStore(a.KV, a.Keys, logger)
	a.Queue = repository.NewJobQueue(a.KV, a.Keys)
	a.DeadLetter = repository.NewDeadLetterQueue(a.KV, a.Keys)
	a.Log = events.NewLogSink(cfg.Webhook.LogSize)

	sc := cfg.Sync
	bcAPI := httpclient.ForSystem("bc", cfg.BC.OAuth, cfg.BC.RateLimitRPS, cfg.BC.TimeoutSeconds, cfg.Retry, logger)
	a.BC = bc.New(cfg.BC, sc.PollPageSize, sc.PollMaxPages, bcAPI, logger)

	deps := syncer.Deps{
		BC:       a.BC,
		Cursors:  a.Cursors,
		Settings: a.Settings,
		Runs:     a.Runs,
		Logger:   logger,
	}
	var premiumClient domain.PremiumClient
	switch sc.Target {
	case config.TargetPlanner:
		api := httpclient.ForSystem("planner", cfg.Planner.OAuth, cfg.Planner.RateLimitRPS, cfg.Planner.TimeoutSeconds, cfg.Retry, logger)
		a.Planner = planner.New(cfg.Planner, sc.PollMaxPages, api, logger)
		deps.Planner = a.Planner
	default:
		api := httpclient.ForSystem("premium", cfg.Premium.OAuth, cfg.Premium.RateLimitRPS, cfg.Premium.TimeoutSeconds, cfg.Retry, logger)
		a.Premium = premium.New(cfg.Premium, sc.PollPageSize, sc.PollMaxPages, api, logger)
		premiumClient = a.Premium
		deps.Premium = a.Premium
	}
	a.Engine = syncer.New(syncer.OptionsFromConfig(cfg), deps)

	a.Ingestor = webhook.NewIngestor(
		cfg.Webhook.ClientState,
		config.Duration(cfg.Webhook.DedupeWindow, 0),
		repository.NewDedupeStore(a.KV, a.Keys),
		a.Queue,
		a.Log,
		logger,
	)
	notifier, err := notify.NewTelegram(cfg.Notify, cfg.App, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, continuing without alerts")
	}
	a.Notifier = notifier

	workerOpts := worker.Options{
		BatchSize:    cfg.Webhook.QueueBatchSize,
		PollInterval: config.Duration(cfg.Webhook.PollInterval, 0),
		Retry:        httpclient.PolicyFromConfig(cfg.Retry),
	}
	if a.Notifier != nil {
		workerOpts.Alerts = a.Notifier
	}
	a.Worker = worker.NewJobProcessor(a.Queue, a.DeadLetter, a.BC, premiumClient, a.Engine, a.Log, workerOpts, logger)

	a.ProjectSettings = service.NewProjectSettingsService(a.Settings, logger)
	a.SubscriptionSvc = service.NewSubscriptionService(a.BC, a.Subscriptions, service.SubscriptionOptions{
		NotificationURL: cfg.BC.NotificationURL,
		ClientState:     cfg.Webhook.ClientState,
		RenewBefore:     config.Duration(cfg.Webhook.RenewBefore, 0),
		Lifetime:        subscriptionLifetime(cfg.Webhook.SubscriptionDays),
	}, logger)

	if cfg.Export.SpreadsheetID != "" {
		sheets, err := export.NewSheetsPublisher(ctx, cfg.Export.GoogleCredentialsFile, cfg.Export.SpreadsheetID, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("google sheets init failed, continuing without sheets export")
		}
		a.Sheets = sheets
	}

	return a, nil
}

// Audit collects the current state for export.
func (a *App) Audit(ctx context.Context) export.Audit {
	return export.Audit{
		GeneratedAt:   time.Now().UTC(),
		Run:           a.Runs.Last(ctx),
		Log:           a.Log.Recent(0),
		Settings:      a.ProjectSettings.List(ctx),
		Subscriptions: a.SubscriptionSvc.List(ctx),
	}
}

func subscriptionLifetime(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// Close releases the state stores.
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, repository.Close(a.Redis))
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
