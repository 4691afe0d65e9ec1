package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"bcsync/internal/domain"
	"bcsync/internal/models"

	"github.com/rs/zerolog"
)

// Keyspace builds every state key under one configured prefix.
type Keyspace struct {
	prefix string
}

func NewKeyspace(prefix string) Keyspace {
	return Keyspace{prefix: prefix}
}

func (k Keyspace) Cursor(scope string) string { return k.prefix + "sync:cursor:" + scope }
func (k Keyspace) Project(projectNo string) string { return k.prefix + "sync:project:" + projectNo }
func (k Keyspace) Subscription(id string) string { return k.prefix + "sync:subscription:" + id }
func (k Keyspace) Dedupe(hash string) string { return k.prefix + "webhook:dedupe:" + hash }
func (k Keyspace) Queue() string { return k.prefix + "webhook:queue" }
func (k Keyspace) DeadLetter() string { return k.prefix + "webhook:deadletter" }
func (k Keyspace) LastSummary() string { return k.prefix + "sync:last_summary" }

func getJSON(ctx context.Context, kv domain.KVStore, key string, out any) (bool, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func setJSON(ctx context.Context, kv domain.KVStore, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Set(ctx, key, string(data), ttl)
}

// CursorStore persists change-feed sequence numbers and delta links. It never
// fails the caller: errors are logged and reads degrade to "no cursor".
type CursorStore struct {
	kv     domain.KVStore
	keys   Keyspace
	logger *zerolog.Logger
	now    func() time.Time
}

func NewCursorStore(kv domain.KVStore, keys Keyspace, logger *zerolog.Logger) *CursorStore {
	return &CursorStore{kv: kv, keys: keys, logger: logger, now: time.Now}
}

func (s *CursorStore) Get(ctx context.Context, scope string) *models.SyncCursor {
	var cursor models.SyncCursor
	ok, err := getJSON(ctx, s.kv, s.keys.Cursor(scope), &cursor)
	if err != nil {
		s.logger.Warn().Err(err).Str("scope", scope).Msg("Failed to read sync cursor")
		return nil
	}
	if !ok {
		return nil
	}
	cursor.Scope = scope
	return &cursor
}

func (s *CursorStore) Save(ctx context.Context, cursor models.SyncCursor) {
	cursor.UpdatedAt = s.now().UTC()
	if err := setJSON(ctx, s.kv, s.keys.Cursor(cursor.Scope), cursor, 0); err != nil {
		s.logger.Warn().Err(err).Str("scope", cursor.Scope).Msg("Failed to save sync cursor")
	}
}

func (s *CursorStore) Clear(ctx context.Context, scope string) {
	if err := s.kv.Del(ctx, s.keys.Cursor(scope)); err != nil {
		s.logger.Warn().Err(err).Str("scope", scope).Msg("Failed to clear sync cursor")
	}
}

// ProjectSettingsStore keeps operator enable/disable flags per project.
type ProjectSettingsStore struct {
	kv     domain.KVStore
	keys   Keyspace
	logger *zerolog.Logger
}

func NewProjectSettingsStore(kv domain.KVStore, keys Keyspace, logger *zerolog.Logger) *ProjectSettingsStore {
	return &ProjectSettingsStore{kv: kv, keys: keys, logger: logger}
}

func (s *ProjectSettingsStore) Get(ctx context.Context, projectNo string) *models.ProjectSyncSetting {
	var setting models.ProjectSyncSetting
	ok, err := getJSON(ctx, s.kv, s.keys.Project(projectNo), &setting)
	if err != nil {
		s.logger.Warn().Err(err).Str("project_no", projectNo).Msg("Failed to read project setting")
		return nil
	}
	if !ok {
		return nil
	}
	return &setting
}

// IsDisabled treats a missing or unreadable setting as enabled.
func (s *ProjectSettingsStore) IsDisabled(ctx context.Context, projectNo string) bool {
	setting := s.Get(ctx, projectNo)
	return setting != nil && setting.Disabled
}

func (s *ProjectSettingsStore) Save(ctx context.Context, setting models.ProjectSyncSetting) error {
	if strings.TrimSpace(setting.ProjectNo) == "" {
		return errors.New("project number is required")
	}
	if err := setJSON(ctx, s.kv, s.keys.Project(setting.ProjectNo), setting, 0); err != nil {
		s.logger.Warn().Err(err).Str("project_no", setting.ProjectNo).Msg("Failed to save project setting")
		return err
	}
	return nil
}

func (s *ProjectSettingsStore) List(ctx context.Context) []models.ProjectSyncSetting {
	prefix := s.keys.Project("")
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list project settings")
		return nil
	}
	out := make([]models.ProjectSyncSetting, 0, len(keys))
	for _, key := range keys {
		if setting := s.Get(ctx, strings.TrimPrefix(key, prefix)); setting != nil {
			out = append(out, *setting)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectNo < out[j].ProjectNo })
	return out
}

// SubscriptionStore persists webhook subscription metadata.
type SubscriptionStore struct {
	kv     domain.KVStore
	keys   Keyspace
	logger *zerolog.Logger
}

func NewSubscriptionStore(kv domain.KVStore, keys Keyspace, logger *zerolog.Logger) *SubscriptionStore {
	return &SubscriptionStore{kv: kv, keys: keys, logger: logger}
}

func (s *SubscriptionStore) Get(ctx context.Context, id string) *models.Subscription {
	var sub models.Subscription
	ok, err := getJSON(ctx, s.kv, s.keys.Subscription(id), &sub)
	if err != nil {
		s.logger.Warn().Err(err).Str("subscription_id", id).Msg("Failed to read subscription")
		return nil
	}
	if !ok {
		return nil
	}
	return &sub
}

func (s *SubscriptionStore) Save(ctx context.Context, sub models.Subscription) {
	if err := setJSON(ctx, s.kv, s.keys.Subscription(sub.ID), sub, 0); err != nil {
		s.logger.Warn().Err(err).Str("subscription_id", sub.ID).Msg("Failed to save subscription")
	}
}

func (s *SubscriptionStore) Delete(ctx context.Context, id string) {
	if err := s.kv.Del(ctx, s.keys.Subscription(id)); err != nil {
		s.logger.Warn().Err(err).Str("subscription_id", id).Msg("Failed to delete subscription")
	}
}

func (s *SubscriptionStore) List(ctx context.Context) []models.Subscription {
	prefix := s.keys.Subscription("")
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list subscriptions")
		return nil
	}
	out := make([]models.Subscription, 0, len(keys))
	for _, key := range keys {
		if sub := s.Get(ctx, strings.TrimPrefix(key, prefix)); sub != nil {
			out = append(out, *sub)
		}
	}
	return out
}

// DedupeStore sets short-lived markers with only-if-absent semantics.
type DedupeStore struct {
	kv   domain.KVStore
	keys Keyspace
}

func NewDedupeStore(kv domain.KVStore, keys Keyspace) *DedupeStore {
	return &DedupeStore{kv: kv, keys: keys}
}

// Mark returns true when the marker was newly set, false when it already existed.
func (s *DedupeStore) Mark(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	return s.kv.SetNX(ctx, s.keys.Dedupe(hash), "1", ttl)
}

// JobQueue is a FIFO of webhook jobs.
type JobQueue struct {
	kv  domain.KVStore
	key string
}

func NewJobQueue(kv domain.KVStore, keys Keyspace) *JobQueue {
	return &JobQueue{kv: kv, key: keys.Queue()}
}

// NewDeadLetterQueue holds jobs that exhausted their retries.
func NewDeadLetterQueue(kv domain.KVStore, keys Keyspace) *JobQueue {
	return &JobQueue{kv: kv, key: keys.DeadLetter()}
}

func (q *JobQueue) Push(ctx context.Context, job models.WebhookJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.kv.LPush(ctx, q.key, string(data))
}

// Pop returns nil without error when the queue is empty.
func (q *JobQueue) Pop(ctx context.Context) (*models.WebhookJob, error) {
	raw, ok, err := q.kv.RPop(ctx, q.key)
	if err != nil || !ok {
		return nil, err
	}
	var job models.WebhookJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

func (q *JobQueue) Len(ctx context.Context) (int64, error) {
	return q.kv.LLen(ctx, q.key)
}

// SummaryStore keeps the outcome of the most recent reconciliation pass.
type SummaryStore struct {
	kv     domain.KVStore
	keys   Keyspace
	logger *zerolog.Logger
}

func NewSummaryStore(kv domain.KVStore, keys Keyspace, logger *zerolog.Logger) *SummaryStore {
	return &SummaryStore{kv: kv, keys: keys, logger: logger}
}

// RunRecord is a persisted pass outcome.
type RunRecord struct {
	Kind       string             `json:"kind"`
	Decision   string             `json:"decision,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt time.Time          `json:"finishedAt"`
	Summary    models.SyncSummary `json:"summary"`
}

func (s *SummaryStore) Save(ctx context.Context, rec RunRecord) {
	if err := setJSON(ctx, s.kv, s.keys.LastSummary(), rec, 0); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to save run summary")
	}
}

func (s *SummaryStore) Last(ctx context.Context) *RunRecord {
	var rec RunRecord
	ok, err := getJSON(ctx, s.kv, s.keys.LastSummary(), &rec)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read run summary")
		return nil
	}
	if !ok {
		return nil
	}
	return &rec
}
