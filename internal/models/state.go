package models

import "time"

// SyncCursor tracks what has been observed for one scope: a change-feed
// sequence number on the ERP side or an opaque delta link on the entity store.
type SyncCursor struct {
	Scope      string    `json:"scope"`
	SequenceNo int64     `json:"sequenceNo,omitempty"`
	DeltaLink  string    `json:"deltaLink,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ProjectSyncSetting is the operator-controlled enable flag for one project.
type ProjectSyncSetting struct {
	ProjectNo string    `json:"projectNo"`
	Disabled  bool      `json:"disabled"`
	Note      string    `json:"note,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Subscription is the persisted metadata of an ERP webhook subscription.
type Subscription struct {
	ID                 string    `json:"id"`
	Resource           string    `json:"resource"`
	NotificationURL    string    `json:"notificationUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ETag               string    `json:"etag,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

const (
	SourceBC      = "bc"
	SourcePremium = "premium"
	SourcePlanner = "planner"
)

// WebhookJob is a normalized change notification waiting on the queue.
type WebhookJob struct {
	ID             string    `json:"id"`
	Source         string    `json:"source"`
	EntitySet      string    `json:"entitySet"`
	SystemID       string    `json:"systemId"`
	ChangeType     string    `json:"changeType"`
	ReceivedAt     time.Time `json:"receivedAt"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	Resource       string    `json:"resource,omitempty"`
	Attempts       int       `json:"attempts,omitempty"`
	NotBefore      time.Time `json:"notBefore,omitempty"`
}

// Webhook log outcomes.
const (
	OutcomeValidated = "validated"
	OutcomeRejected  = "rejected"
	OutcomeDeduped   = "deduped"
	OutcomeEnqueued  = "enqueued"
	OutcomeMalformed = "malformed"
	OutcomeError     = "error"
	OutcomeProcessed = "processed"
)

// LogEntry is one line of the webhook activity log.
type LogEntry struct {
	ID      string      `json:"id"`
	Time    time.Time   `json:"time"`
	Source  string      `json:"source"`
	Outcome string      `json:"outcome"`
	Message string      `json:"message,omitempty"`
	Job     *WebhookJob `json:"job,omitempty"`
}
