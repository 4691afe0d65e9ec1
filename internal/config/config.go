package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Redis      RedisConfig      `yaml:"redis"`
	Storage    StorageConfig    `yaml:"storage"`
	BC         BCConfig         `yaml:"bc"`
	Premium    PremiumConfig    `yaml:"premium"`
	Planner    PlannerConfig    `yaml:"planner"`
	Sync       SyncConfig       `yaml:"sync"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Retry      RetryConfig      `yaml:"retry"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Notify     NotifyConfig     `yaml:"notify"`
	Export     ExportConfig     `yaml:"export"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// LoggingConfig.Components overrides the level per component name,
// e.g. {syncer: debug, webhook: warn}.
type LoggingConfig struct {
	Level      string            `yaml:"level"`
	Format     string            `yaml:"format"`
	Output     string            `yaml:"output"`
	FilePath   string            `yaml:"file_path"`
	Components map[string]string `yaml:"components"`
}

type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

// StorageConfig points at the local file used when Redis is absent or failing.
// Backups are written with VACUUM INTO when BackupDir is set.
type StorageConfig struct {
	Path                string `yaml:"path"`
	BackupDir           string `yaml:"backup_dir"`
	BackupInterval      string `yaml:"backup_interval"`
	BackupRetentionDays int    `yaml:"backup_retention_days"`
	PurgeInterval       string `yaml:"purge_interval"`
}

// OAuthConfig holds client-credentials settings shared by every upstream system.
type OAuthConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
	TokenURL     string `yaml:"token_url"`
}

// BCConfig describes the ERP tenant. APIPath is the custom API route,
// e.g. "api/contoso/projects/v1.0".
type BCConfig struct {
	OAuth           OAuthConfig `yaml:"oauth"`
	BaseURL         string      `yaml:"base_url"`
	Environment     string      `yaml:"environment"`
	CompanyID       string      `yaml:"company_id"`
	APIPath         string      `yaml:"api_path"`
	ChangeFeedSets  []string    `yaml:"change_feed_sets"`
	RateLimitRPS    float64     `yaml:"rate_limit_rps"`
	TimeoutSeconds  int         `yaml:"timeout_seconds"`
	NotificationURL string      `yaml:"notification_url"`
}

type PremiumConfig struct {
	OAuth              OAuthConfig `yaml:"oauth"`
	BaseURL            string      `yaml:"base_url"`
	APIVersion         string      `yaml:"api_version"`
	ProjectNumberField string      `yaml:"project_number_field"`
	TaskNumberField    string      `yaml:"task_number_field"`
	RateLimitRPS       float64     `yaml:"rate_limit_rps"`
	TimeoutSeconds     int         `yaml:"timeout_seconds"`
}

type PlannerConfig struct {
	OAuth          OAuthConfig `yaml:"oauth"`
	BaseURL        string      `yaml:"base_url"`
	GroupID        string      `yaml:"group_id"`
	RateLimitRPS   float64     `yaml:"rate_limit_rps"`
	TimeoutSeconds int         `yaml:"timeout_seconds"`
}

type SyncConfig struct {
	Target                 string  `yaml:"target"`
	PreferBC               bool    `yaml:"prefer_bc"`
	BCModifiedGraceMs      int     `yaml:"bc_modified_grace_ms"`
	PremiumModifiedGraceMs int     `yaml:"premium_modified_grace_ms"`
	DecisionGraceMs        int     `yaml:"decision_grace_ms"`
	SyncLockTimeoutMinutes int     `yaml:"sync_lock_timeout_minutes"`
	MaxProjectsPerRun      int     `yaml:"max_projects_per_run"`
	PollPageSize           int     `yaml:"poll_page_size"`
	PollMaxPages           int     `yaml:"poll_max_pages"`
	DeleteBehavior         string  `yaml:"delete_behavior"`
	UseScheduleAPI         bool    `yaml:"use_schedule_api"`
	RequireScheduleAPI     bool    `yaml:"require_schedule_api"`
	ProjectConcurrency     int     `yaml:"project_concurrency"`
	TaskConcurrency        int     `yaml:"task_concurrency"`
	PercentScale           float64 `yaml:"percent_scale"`
	PercentMin             float64 `yaml:"percent_min"`
	PercentMax             float64 `yaml:"percent_max"`
	Interval               string  `yaml:"interval"`
	FullInterval           string  `yaml:"full_interval"`
}

type WebhookConfig struct {
	ClientState      string `yaml:"client_state"`
	DedupeWindow     string `yaml:"dedupe_window"`
	LogSize          int    `yaml:"log_size"`
	QueueBatchSize   int    `yaml:"queue_batch_size"`
	PollInterval     string `yaml:"poll_interval"`
	RenewBefore      string `yaml:"renew_before"`
	SubscriptionDays int    `yaml:"subscription_days"`
}

type RetryConfig struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	InitialDelay  string  `yaml:"initial_delay"`
	MaxDelay      string  `yaml:"max_delay"`
	MaxTotalDelay string  `yaml:"max_total_delay"`
	BackoffFactor float64 `yaml:"backoff_factor"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

// NotifyConfig enables Telegram alerts for dead-lettered jobs and failed passes.
type NotifyConfig struct {
	TelegramToken string  `yaml:"telegram_token"`
	ChatIDs       []int64 `yaml:"chat_ids"`
	Throttle      string  `yaml:"throttle"`
}

// ExportConfig mirrors the audit into a Google spreadsheet when both fields
// are set.
type ExportConfig struct {
	GoogleCredentialsFile string `yaml:"google_credentials_file"`
	SpreadsheetID         string `yaml:"spreadsheet_id"`
	PublishInterval       string `yaml:"publish_interval"`
}

const (
	TargetPremium = "premium"
	TargetPlanner = "planner"

	DeleteClearLink = "clearLink"
	DeleteIgnore    = "ignore"
)

func Load(configPath string) (*Config, error) {
	// .env is optional; environment variables may come from the process.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.BC.BaseURL == "" {
		return errors.New("bc.base_url is required")
	}
	if c.BC.CompanyID == "" {
		return errors.New("bc.company_id is required")
	}
	switch c.Sync.Target {
	case TargetPremium:
		if c.Premium.BaseURL == "" {
			return errors.New("premium.base_url is required for target premium")
		}
	case TargetPlanner:
		if c.Planner.GroupID == "" {
			return errors.New("planner.group_id is required for target planner")
		}
	default:
		return fmt.Errorf("unknown sync.target %q", c.Sync.Target)
	}
	switch c.Sync.DeleteBehavior {
	case DeleteClearLink, DeleteIgnore:
	default:
		return fmt.Errorf("sync.delete_behavior must be %s or %s", DeleteClearLink, DeleteIgnore)
	}
	if c.Sync.PercentScale <= 0 {
		return errors.New("sync.percent_scale must be positive")
	}
	if c.Sync.PercentMin > c.Sync.PercentMax {
		return errors.New("sync.percent_min must not exceed sync.percent_max")
	}
	if c.Notify.TelegramToken != "" && len(c.Notify.ChatIDs) == 0 {
		return errors.New("notify.chat_ids is required when notify.telegram_token is set")
	}
	if (c.Export.SpreadsheetID == "") != (c.Export.GoogleCredentialsFile == "") {
		return errors.New("export.spreadsheet_id and export.google_credentials_file must be set together")
	}
	for name, raw := range map[string]string{
		"sync.interval":           c.Sync.Interval,
		"sync.full_interval":      c.Sync.FullInterval,
		"storage.backup_interval": c.Storage.BackupInterval,
		"storage.purge_interval":  c.Storage.PurgeInterval,
		"webhook.dedupe_window":   c.Webhook.DedupeWindow,
		"webhook.poll_interval":   c.Webhook.PollInterval,
		"webhook.renew_before":    c.Webhook.RenewBefore,
		"retry.initial_delay":     c.Retry.InitialDelay,
		"retry.max_delay":         c.Retry.MaxDelay,
		"retry.max_total_delay":   c.Retry.MaxTotalDelay,
		"notify.throttle":         c.Notify.Throttle,
		"export.publish_interval": c.Export.PublishInterval,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "bcsync"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/state.db"
	}
	if c.Storage.BackupInterval == "" {
		c.Storage.BackupInterval = "24h"
	}
	if c.Storage.PurgeInterval == "" {
		c.Storage.PurgeInterval = "10m"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "bcsync:"
	}
	if c.BC.BaseURL == "" {
		c.BC.BaseURL = "https://api.businesscentral.dynamics.com/v2.0"
	}
	if c.BC.Environment == "" {
		c.BC.Environment = "production"
	}
	if c.BC.APIPath == "" {
		c.BC.APIPath = "api/v2.0"
	}
	if c.BC.OAuth.Scope == "" {
		c.BC.OAuth.Scope = "https://api.businesscentral.dynamics.com/.default"
	}
	if c.Premium.APIVersion == "" {
		c.Premium.APIVersion = "v9.2"
	}
	if c.Premium.OAuth.Scope == "" && c.Premium.BaseURL != "" {
		c.Premium.OAuth.Scope = strings.TrimRight(c.Premium.BaseURL, "/") + "/.default"
	}
	if c.Premium.ProjectNumberField == "" {
		c.Premium.ProjectNumberField = "msdyn_projectnumber"
	}
	if c.Premium.TaskNumberField == "" {
		c.Premium.TaskNumberField = "msdyn_wbsid"
	}
	if c.Planner.BaseURL == "" {
		c.Planner.BaseURL = "https://graph.microsoft.com/v1.0"
	}
	if c.Planner.OAuth.Scope == "" {
		c.Planner.OAuth.Scope = "https://graph.microsoft.com/.default"
	}
	for _, o := range []*OAuthConfig{&c.BC.OAuth, &c.Premium.OAuth, &c.Planner.OAuth} {
		if o.TokenURL == "" && o.TenantID != "" {
			o.TokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", o.TenantID)
		}
	}

	if c.Sync.Target == "" {
		c.Sync.Target = TargetPremium
	}
	if c.Sync.DecisionGraceMs == 0 {
		c.Sync.DecisionGraceMs = 2000
	}
	if c.Sync.BCModifiedGraceMs == 0 {
		c.Sync.BCModifiedGraceMs = 5000
	}
	if c.Sync.PremiumModifiedGraceMs == 0 {
		c.Sync.PremiumModifiedGraceMs = 5000
	}
	if c.Sync.SyncLockTimeoutMinutes == 0 {
		c.Sync.SyncLockTimeoutMinutes = 30
	}
	if c.Sync.PollPageSize == 0 {
		c.Sync.PollPageSize = 200
	}
	if c.Sync.PollMaxPages == 0 {
		c.Sync.PollMaxPages = 50
	}
	if c.Sync.DeleteBehavior == "" {
		c.Sync.DeleteBehavior = DeleteClearLink
	}
	if c.Sync.ProjectConcurrency == 0 {
		c.Sync.ProjectConcurrency = 1
	}
	if c.Sync.TaskConcurrency == 0 {
		c.Sync.TaskConcurrency = 1
	}
	if c.Sync.PercentScale == 0 {
		c.Sync.PercentScale = 1
	}
	if c.Sync.PercentMax == 0 {
		c.Sync.PercentMax = 100
	}
	if c.Sync.Interval == "" {
		c.Sync.Interval = "15m"
	}
	if c.Sync.FullInterval == "" {
		c.Sync.FullInterval = "24h"
	}

	if c.Webhook.DedupeWindow == "" {
		c.Webhook.DedupeWindow = "30s"
	}
	if c.Webhook.LogSize == 0 {
		c.Webhook.LogSize = 200
	}
	if c.Webhook.QueueBatchSize == 0 {
		c.Webhook.QueueBatchSize = 25
	}
	if c.Webhook.PollInterval == "" {
		c.Webhook.PollInterval = "2s"
	}
	if c.Webhook.RenewBefore == "" {
		c.Webhook.RenewBefore = "24h"
	}
	if c.Webhook.SubscriptionDays == 0 {
		c.Webhook.SubscriptionDays = 3
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay == "" {
		c.Retry.InitialDelay = "1s"
	}
	if c.Retry.MaxDelay == "" {
		c.Retry.MaxDelay = "30s"
	}
	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = 2
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Notify.Throttle == "" {
		c.Notify.Throttle = "15m"
	}
	if c.Export.PublishInterval == "" {
		c.Export.PublishInterval = "1h"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}

// Duration parses a validated duration field, returning fallback when empty.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
