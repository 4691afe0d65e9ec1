package syncer

import (
	"context"
	"fmt"
	"time"

	"bcsync/internal/domain"
	"bcsync/internal/models"
)

// LockState is the sync-lock state of an ERP task as seen at a point in time.
type LockState int

const (
	LockUnlocked LockState = iota
	LockHeld
	LockStale
)

func (s LockState) String() string {
	switch s {
	case LockHeld:
		return "held"
	case LockStale:
		return "stale"
	default:
		return "unlocked"
	}
}

// Locker implements the sync-lock protocol against the ERP record itself.
// The clock is injected so staleness can be tested without waiting.
type Locker struct {
	bc      domain.BCClient
	timeout time.Duration
	now     func() time.Time
}

func NewLocker(bc domain.BCClient, timeout time.Duration, now func() time.Time) *Locker {
	if now == nil {
		now = time.Now
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Locker{bc: bc, timeout: timeout, now: now}
}

// State classifies the lock. A set lock whose lastSyncAt is older than the
// timeout, or unparsable, is stale.
func (l *Locker) State(t *models.BCTask) LockState {
	if !t.SyncLock {
		return LockUnlocked
	}
	last, ok := t.LastSyncTime()
	if !ok || l.now().Sub(last) > l.timeout {
		return LockStale
	}
	return LockHeld
}

func (l *Locker) supported(ctx context.Context) (bool, error) {
	return l.bc.HasTaskField(ctx, fieldSyncLock)
}

// Acquire sets the lock with a single-field patch guarded by the task ETag.
// Without a syncLock field on the schema the task is returned unchanged.
func (l *Locker) Acquire(ctx context.Context, t *models.BCTask) (*models.BCTask, error) {
	ok, err := l.supported(ctx)
	if err != nil {
		return nil, fmt.Errorf("check lock field: %w", err)
	}
	if !ok {
		return t, nil
	}
	locked, err := l.bc.PatchTask(ctx, t.SystemID, t.ETag, map[string]any{fieldSyncLock: true})
	if err != nil {
		return nil, fmt.Errorf("acquire lock on task %s: %w", t.TaskNo, err)
	}
	return locked, nil
}

// Release writes fields, clears the lock and stamps lastSyncAt in one patch.
// fields must already be filtered to the ERP schema.
func (l *Locker) Release(ctx context.Context, t *models.BCTask, fields map[string]any) (*models.BCTask, error) {
	patch := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		patch[k] = v
	}
	ok, err := l.supported(ctx)
	if err != nil {
		return nil, fmt.Errorf("check lock field: %w", err)
	}
	if ok {
		patch[fieldSyncLock] = false
	}
	if has, err := l.bc.HasTaskField(ctx, fieldLastSyncAt); err == nil && has {
		patch[fieldLastSyncAt] = l.now().UTC().Format(time.RFC3339)
	}
	if len(patch) == 0 {
		return t, nil
	}
	updated, err := l.bc.PatchTask(ctx, t.SystemID, t.ETag, patch)
	if err != nil {
		return nil, fmt.Errorf("release lock on task %s: %w", t.TaskNo, err)
	}
	return updated, nil
}

// ForceClear drops the lock without touching any other field.
func (l *Locker) ForceClear(ctx context.Context, t *models.BCTask) (*models.BCTask, error) {
	ok, err := l.supported(ctx)
	if err != nil || !ok {
		return t, err
	}
	cleared, err := l.bc.PatchTask(ctx, t.SystemID, t.ETag, map[string]any{fieldSyncLock: false})
	if err != nil {
		return nil, fmt.Errorf("clear lock on task %s: %w", t.TaskNo, err)
	}
	return cleared, nil
}
