package webhook

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"bcsync/internal/domain"
	"bcsync/internal/metrics"
	"bcsync/internal/models"
	"bcsync/internal/premium"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidClientState rejects a delivery whose shared secret does not match.
	ErrInvalidClientState = errors.New("invalid client state")
	ErrMalformedPayload   = errors.New("malformed notification payload")
)

// resourcePattern extracts the entity set and record id from a resource path
// such as "/api/v2.0/companies(...)/projectTasks(<guid>)".
var resourcePattern = regexp.MustCompile(`([A-Za-z]+)\(([0-9a-fA-F-]{36})\)$`)

// Deduper sets a marker only when it is absent.
type Deduper interface {
	Mark(ctx context.Context, hash string, ttl time.Duration) (bool, error)
}

type Enqueuer interface {
	Push(ctx context.Context, job models.WebhookJob) error
}

// Result counts what happened to the items of one delivery.
type Result struct {
	Received  int `json:"received"`
	Enqueued  int `json:"enqueued"`
	Deduped   int `json:"deduped"`
	Malformed int `json:"malformed"`
	Errors    int `json:"errors"`
}

// Ingestor validates deliveries, normalizes them into jobs and enqueues each
// job at most once per dedupe window.
type Ingestor struct {
	clientState string
	window      time.Duration
	dedupe      Deduper
	queue       Enqueuer
	log         domain.LogPublisher
	logger      *zerolog.Logger
	now         func() time.Time
}

func NewIngestor(clientState string, window time.Duration, dedupe Deduper, queue Enqueuer, log domain.LogPublisher, logger *zerolog.Logger) *Ingestor {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Ingestor{
		clientState: clientState,
		window:      window,
		dedupe:      dedupe,
		queue:       queue,
		log:         log,
		logger:      logger,
		now:         time.Now,
	}
}

// DedupeHash identifies a notification within its time bucket.
func DedupeHash(job models.WebhookJob, window time.Duration) string {
	bucket := job.ReceivedAt.UnixMilli() / window.Milliseconds()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d",
		strings.ToLower(job.EntitySet), strings.ToLower(job.SystemID), strings.ToLower(job.ChangeType), bucket)))
	return hex.EncodeToString(sum[:])
}

// ParseResource splits a notification resource path into entity set and id.
func ParseResource(resource string) (entitySet, systemID string, ok bool) {
	m := resourcePattern.FindStringSubmatch(strings.TrimSpace(resource))
	if m == nil {
		return "", "", false
	}
	return m[1], strings.ToLower(m[2]), true
}

func (i *Ingestor) record(source, outcome, message string, job *models.WebhookJob) {
	metrics.IncWebhook(source, outcome)
	if i.log != nil {
		i.log.Publish(models.LogEntry{Source: source, Outcome: outcome, Message: message, Job: job})
	}
}

// RecordHandshake logs a subscription validation request that was echoed back.
func (i *Ingestor) RecordHandshake(source string) {
	i.record(source, models.OutcomeValidated, "validation token echoed", nil)
}

func (i *Ingestor) validState(got string) bool {
	if i.clientState == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(i.clientState)) == 1
}

type bcNotification struct {
	SubscriptionID       string `json:"subscriptionId"`
	ClientState          string `json:"clientState"`
	ExpirationDateTime   string `json:"expirationDateTime"`
	Resource             string `json:"resource"`
	ChangeType           string `json:"changeType"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
}

// IngestBC handles an ERP notification batch. One item with a wrong client
// state rejects the whole delivery.
func (i *Ingestor) IngestBC(ctx context.Context, body []byte) (Result, error) {
	var payload struct {
		Value []bcNotification `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		i.record(models.SourceBC, models.OutcomeMalformed, err.Error(), nil)
		return Result{Malformed: 1}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	res := Result{Received: len(payload.Value)}
	for _, n := range payload.Value {
		if !i.validState(n.ClientState) {
			i.record(models.SourceBC, models.OutcomeRejected, "client state mismatch for subscription "+n.SubscriptionID, nil)
			return Result{Received: res.Received}, ErrInvalidClientState
		}
	}

	for _, n := range payload.Value {
		entitySet, systemID, ok := ParseResource(n.Resource)
		if !ok {
			res.Malformed++
			i.record(models.SourceBC, models.OutcomeMalformed, "unrecognized resource "+n.Resource, nil)
			continue
		}
		i.enqueue(ctx, &res, models.WebhookJob{
			Source:         models.SourceBC,
			EntitySet:      entitySet,
			SystemID:       systemID,
			ChangeType:     strings.ToLower(n.ChangeType),
			SubscriptionID: n.SubscriptionID,
			Resource:       n.Resource,
		})
	}
	return res, nil
}

type remoteExecutionContext struct {
	MessageName        string `json:"MessageName"`
	PrimaryEntityName  string `json:"PrimaryEntityName"`
	PrimaryEntityID    string `json:"PrimaryEntityId"`
	OperationCreatedOn string `json:"OperationCreatedOn"`
}

var premiumEntitySets = map[string]string{
	"msdyn_projecttask": premium.TasksSet,
	"msdyn_project":     premium.ProjectsSet,
}

// IngestPremium handles one entity-store service-endpoint delivery.
func (i *Ingestor) IngestPremium(ctx context.Context, clientState string, body []byte) (Result, error) {
	if !i.validState(clientState) {
		i.record(models.SourcePremium, models.OutcomeRejected, "client state mismatch", nil)
		return Result{Received: 1}, ErrInvalidClientState
	}

	var rec remoteExecutionContext
	if err := json.Unmarshal(body, &rec); err != nil {
		i.record(models.SourcePremium, models.OutcomeMalformed, err.Error(), nil)
		return Result{Received: 1, Malformed: 1}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if rec.PrimaryEntityName == "" || !premium.ValidID(rec.PrimaryEntityID) {
		i.record(models.SourcePremium, models.OutcomeMalformed, "missing entity name or id", nil)
		return Result{Received: 1, Malformed: 1}, nil
	}

	entitySet, ok := premiumEntitySets[strings.ToLower(rec.PrimaryEntityName)]
	if !ok {
		entitySet = strings.ToLower(rec.PrimaryEntityName)
	}
	res := Result{Received: 1}
	i.enqueue(ctx, &res, models.WebhookJob{
		Source:     models.SourcePremium,
		EntitySet:  entitySet,
		SystemID:   strings.ToLower(strings.Trim(rec.PrimaryEntityID, "{}")),
		ChangeType: strings.ToLower(rec.MessageName),
	})
	return res, nil
}

// enqueue pushes the job unless its dedupe marker already exists. A failing
// dedupe store does not block the job; duplicates are harmless downstream.
func (i *Ingestor) enqueue(ctx context.Context, res *Result, job models.WebhookJob) {
	job.ID = uuid.NewString()
	job.ReceivedAt = i.now().UTC()
	hash := DedupeHash(job, i.window)

	fresh, err := i.dedupe.Mark(ctx, hash, i.window)
	if err != nil {
		i.logger.Warn().Err(err).Str("entity_set", job.EntitySet).Msg("dedupe marker unavailable, enqueueing anyway")
		fresh = true
	}
	if !fresh {
		res.Deduped++
		i.record(job.Source, models.OutcomeDeduped, "", &job)
		return
	}

	if err := i.queue.Push(ctx, job); err != nil {
		res.Errors++
		i.logger.Error().Err(err).Str("entity_set", job.EntitySet).Str("system_id", job.SystemID).Msg("failed to enqueue webhook job")
		i.record(job.Source, models.OutcomeError, err.Error(), &job)
		return
	}
	res.Enqueued++
	i.record(job.Source, models.OutcomeEnqueued, "", &job)
}
