package models

import "time"

// BCProject is a project record in the ERP.
type BCProject struct {
	SystemID    string `json:"systemId"`
	No          string `json:"no"`
	Description string `json:"description"`
	Status      string `json:"status,omitempty"`
}

// BCTask is a project task record in the ERP, including the link fields that
// point at its counterpart on the other side.
type BCTask struct {
	SystemID        string  `json:"systemId"`
	ETag            string  `json:"@odata.etag,omitempty"`
	ProjectNo       string  `json:"projectNo"`
	TaskNo          string  `json:"taskNo"`
	Description     string  `json:"description"`
	TaskType        string  `json:"taskType,omitempty"`
	StartDate       string  `json:"startDate,omitempty"`
	EndDate         string  `json:"endDate,omitempty"`
	ManualStartDate string  `json:"manualStartDate,omitempty"`
	ManualEndDate   string  `json:"manualEndDate,omitempty"`
	PercentComplete float64 `json:"percentComplete"`
	AssignedTo      string  `json:"assignedResourceName,omitempty"`
	BudgetTotalCost float64 `json:"budgetTotalCost,omitempty"`
	ActualTotalCost float64 `json:"actualTotalCost,omitempty"`

	PlannerTaskID   string `json:"plannerTaskId"`
	PlannerPlanID   string `json:"plannerPlanId"`
	LastPlannerEtag string `json:"lastPlannerEtag"`
	LastSyncAt      string `json:"lastSyncAt"`
	SyncLock        bool   `json:"syncLock"`

	LastModifiedDateTime string `json:"lastModifiedDateTime,omitempty"`
	SystemModifiedAt     string `json:"systemModifiedAt,omitempty"`
	ModifiedAt           string `json:"modifiedAt,omitempty"`
}

// ModifiedTime returns the first parsable modification timestamp among the
// field names used by different ERP deployments.
func (t *BCTask) ModifiedTime() time.Time {
	for _, raw := range []string{t.LastModifiedDateTime, t.SystemModifiedAt, t.ModifiedAt} {
		if ts := ParseTime(raw); !ts.IsZero() {
			return ts
		}
	}
	return time.Time{}
}

// LastSyncTime parses LastSyncAt; ok is false when the value is empty or garbage.
func (t *BCTask) LastSyncTime() (time.Time, bool) {
	ts := ParseTime(t.LastSyncAt)
	return ts, !ts.IsZero()
}

// BCChange is one row of the ERP project change feed.
type BCChange struct {
	SequenceNo int64  `json:"sequenceNo"`
	ProjectNo  string `json:"projectNo"`
	TaskNo     string `json:"taskNo,omitempty"`
	ChangeType string `json:"changeType,omitempty"`
	ChangedAt  string `json:"changedAt,omitempty"`
	SystemID   string `json:"systemId,omitempty"`
}

// PremiumProject is the entity-store project joined to an ERP project by number.
type PremiumProject struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Number  string `json:"number"`
	ETag    string `json:"etag,omitempty"`
}

// PremiumTask is the typed view of an entity-store task record.
type PremiumTask struct {
	ID             string
	ETag           string
	ProjectID      string
	Subject        string
	TaskNumber     string
	ScheduledStart string
	ScheduledEnd   string
	Progress       float64
	HasProgress    bool
	ModifiedOn     time.Time
	Removed        bool
}

// PlannerTask is a task on the legacy task board.
type PlannerTask struct {
	ID              string  `json:"id,omitempty"`
	ETag            string  `json:"@odata.etag,omitempty"`
	PlanID          string  `json:"planId,omitempty"`
	BucketID        string  `json:"bucketId,omitempty"`
	Title           string  `json:"title,omitempty"`
	PercentComplete int     `json:"percentComplete"`
	StartDateTime   *string `json:"startDateTime"`
	DueDateTime     *string `json:"dueDateTime"`
	Removed         bool    `json:"-"`
}

type PlannerPlan struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Owner string `json:"owner,omitempty"`
	ETag  string `json:"@odata.etag,omitempty"`
}

type PlannerBucket struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	PlanID string `json:"planId"`
	ETag   string `json:"@odata.etag,omitempty"`
}
