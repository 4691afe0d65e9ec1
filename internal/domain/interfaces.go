package domain

import (
	"context"
	"errors"
	"time"

	"bcsync/internal/models"
)

// ErrScheduleAPIUnavailable is returned by operation-set calls once the
// entity store has reported that the schedule API is not supported.
var ErrScheduleAPIUnavailable = errors.New("schedule api unavailable")

// KVStore is the minimal key-value contract every state adapter implements.
// Get and RPop report a missing key with ok=false and a nil error.
type KVStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	LPush(ctx context.Context, key, value string) error
	RPop(ctx context.Context, key string) (value string, ok bool, err error)
	LLen(ctx context.Context, key string) (int64, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
}

type CursorStore interface {
	Get(ctx context.Context, scope string) *models.SyncCursor
	Save(ctx context.Context, cursor models.SyncCursor)
}

type ProjectSettings interface {
	IsDisabled(ctx context.Context, projectNo string) bool
}

type LogPublisher interface {
	Publish(entry models.LogEntry)
}

// BCClient is the ERP surface used by the reconciliation engine.
type BCClient interface {
	ListProjects(ctx context.Context) ([]models.BCProject, error)
	GetProject(ctx context.Context, projectNo string) (*models.BCProject, error)
	GetProjectByID(ctx context.Context, systemID string) (*models.BCProject, error)
	ListProjectTasks(ctx context.Context, projectNo string) ([]*models.BCTask, error)
	ListTasksByCounterpart(ctx context.Context, counterpartID string) ([]*models.BCTask, error)
	GetTask(ctx context.Context, systemID string) (*models.BCTask, error)
	PatchTask(ctx context.Context, systemID, etag string, fields map[string]any) (*models.BCTask, error)
	HasTaskField(ctx context.Context, field string) (bool, error)
	ChangesSince(ctx context.Context, sequenceNo int64) ([]models.BCChange, int64, error)
}

// BCSubscriptions manages ERP webhook subscriptions.
type BCSubscriptions interface {
	CreateSubscription(ctx context.Context, resource, notificationURL, clientState string) (*models.Subscription, error)
	RenewSubscription(ctx context.Context, sub models.Subscription, clientState string) (*models.Subscription, error)
	DeleteSubscription(ctx context.Context, sub models.Subscription) error
	TaskResource() string
}

// PremiumClient is the entity-store surface used by the reconciliation engine.
type PremiumClient interface {
	FindProjectByNumber(ctx context.Context, projectNo string) (*models.PremiumProject, error)
	GetProject(ctx context.Context, id string) (*models.PremiumProject, error)
	CreateProject(ctx context.Context, projectNo, subject string) (*models.PremiumProject, error)
	ListProjectTasks(ctx context.Context, projectID string) ([]*models.PremiumTask, error)
	GetTask(ctx context.Context, id string) (*models.PremiumTask, error)
	CreateTask(ctx context.Context, fields map[string]any) (*models.PremiumTask, error)
	UpdateTask(ctx context.Context, id, etag string, fields map[string]any) (string, error)
	Delta(ctx context.Context, deltaLink string) ([]*models.PremiumTask, string, error)

	ScheduleAPIAvailable() bool
	CreateOperationSet(ctx context.Context, projectID, description string) (string, error)
	PssCreate(ctx context.Context, operationSetID string, fields map[string]any) error
	PssUpdate(ctx context.Context, operationSetID, taskID string, fields map[string]any) error
	ExecuteOperationSet(ctx context.Context, operationSetID string) error

	FindBookableResource(ctx context.Context, name string) (string, error)
	EnsureTeamMember(ctx context.Context, projectID, resourceID, name string) (string, error)
	EnsureResourceAssignment(ctx context.Context, projectID, taskID, teamMemberID, resourceID string) error
}

// PlannerClient is the legacy task-board surface.
type PlannerClient interface {
	ListPlans(ctx context.Context) ([]models.PlannerPlan, error)
	GetPlan(ctx context.Context, planID string) (*models.PlannerPlan, error)
	CreatePlan(ctx context.Context, title string) (*models.PlannerPlan, error)
	ListBuckets(ctx context.Context, planID string) ([]models.PlannerBucket, error)
	CreateBucket(ctx context.Context, planID, name string) (*models.PlannerBucket, error)
	ListTasks(ctx context.Context, planID string) ([]*models.PlannerTask, error)
	GetTask(ctx context.Context, taskID string) (*models.PlannerTask, error)
	CreateTask(ctx context.Context, task models.PlannerTask) (*models.PlannerTask, error)
	UpdateTask(ctx context.Context, taskID, etag string, fields map[string]any) (string, error)
	DeltaTasks(ctx context.Context, planID, deltaLink string) ([]*models.PlannerTask, string, error)
}
