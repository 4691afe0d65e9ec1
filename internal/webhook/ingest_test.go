package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"bcsync/internal/events"
	"bcsync/internal/models"
	"bcsync/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const taskGUID = "0a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d"

type fixture struct {
	ingestor *Ingestor
	queue    *repository.JobQueue
	sink     *events.LogSink
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv := repository.NewMemoryKV()
	keys := repository.NewKeyspace("test:")
	queue := repository.NewJobQueue(kv, keys)
	sink := events.NewLogSink(50)
	logger := zerolog.Nop()

	f := &fixture{queue: queue, sink: sink, now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	f.ingestor = NewIngestor("s3cret", 30*time.Second, repository.NewDedupeStore(kv, keys), queue, sink, &logger)
	f.ingestor.now = func() time.Time { return f.now }
	return f
}

func bcBody(state, changeType string) []byte {
	return []byte(`{"value":[{
		"subscriptionId":"sub-1",
		"clientState":"` + state + `",
		"expirationDateTime":"2025-06-04T12:00:00Z",
		"resource":"/api/acme/v1.0/companies(11111111-2222-3333-4444-555555555555)/projectTasks(` + taskGUID + `)",
		"changeType":"` + changeType + `",
		"lastModifiedDateTime":"2025-06-01T11:59:59Z"
	}]}`)
}

func TestParseResource(t *testing.T) {
	set, id, ok := ParseResource("/api/v2.0/companies(x)/projectTasks(" + "0A1B2C3D-4E5F-4A6B-8C7D-9E0F1A2B3C4D" + ")")
	require.True(t, ok)
	assert.Equal(t, "projectTasks", set)
	assert.Equal(t, taskGUID, id)

	_, _, ok = ParseResource("/api/v2.0/companies(x)/projectTasks")
	assert.False(t, ok)
}

func TestDedupeHash(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	job := models.WebhookJob{EntitySet: "projectTasks", SystemID: taskGUID, ChangeType: "updated", ReceivedAt: base}

	later := job
	later.ReceivedAt = base.Add(29 * time.Second)
	assert.Equal(t, DedupeHash(job, 30*time.Second), DedupeHash(later, 30*time.Second))

	nextBucket := job
	nextBucket.ReceivedAt = base.Add(31 * time.Second)
	assert.NotEqual(t, DedupeHash(job, 30*time.Second), DedupeHash(nextBucket, 30*time.Second))

	other := job
	other.ChangeType = "deleted"
	assert.NotEqual(t, DedupeHash(job, 30*time.Second), DedupeHash(other, 30*time.Second))
}

func TestIngestBC_DuplicateDeliveryQueuedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.ingestor.IngestBC(ctx, bcBody("s3cret", "Updated"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)

	f.now = f.now.Add(10 * time.Second)
	res, err = f.ingestor.IngestBC(ctx, bcBody("s3cret", "updated"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enqueued)
	assert.Equal(t, 1, res.Deduped)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := f.queue.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "projectTasks", job.EntitySet)
	assert.Equal(t, taskGUID, job.SystemID)
	assert.Equal(t, "updated", job.ChangeType)
	assert.Equal(t, "sub-1", job.SubscriptionID)
	assert.NotEmpty(t, job.ID)

	outcomes := []string{}
	for _, e := range f.sink.Recent(0) {
		outcomes = append(outcomes, e.Outcome)
	}
	assert.Equal(t, []string{models.OutcomeEnqueued, models.OutcomeDeduped}, outcomes)
}

func TestIngestBC_RejectsWrongClientState(t *testing.T) {
	f := newFixture(t)

	_, err := f.ingestor.IngestBC(context.Background(), bcBody("wrong", "updated"))
	assert.ErrorIs(t, err, ErrInvalidClientState)

	n, _ := f.queue.Len(context.Background())
	assert.Equal(t, int64(0), n)
	entries := f.sink.Recent(0)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeRejected, entries[0].Outcome)
}

func TestIngestBC_Malformed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ingestor.IngestBC(ctx, []byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	res, err := f.ingestor.IngestBC(ctx, []byte(`{"value":[{"clientState":"s3cret","resource":"/nowhere","changeType":"created"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Malformed)
	assert.Equal(t, 0, res.Enqueued)
}

func TestIngestPremium(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := []byte(`{"MessageName":"Update","PrimaryEntityName":"msdyn_projecttask","PrimaryEntityId":"{` + taskGUID + `}","OperationCreatedOn":"/Date(1748779200000)/"}`)

	_, err := f.ingestor.IngestPremium(ctx, "nope", body)
	assert.ErrorIs(t, err, ErrInvalidClientState)

	res, err := f.ingestor.IngestPremium(ctx, "s3cret", body)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)

	job, err := f.queue.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SourcePremium, job.Source)
	assert.Equal(t, "msdyn_projecttasks", job.EntitySet)
	assert.Equal(t, taskGUID, job.SystemID)
	assert.Equal(t, "update", job.ChangeType)

	res, err = f.ingestor.IngestPremium(ctx, "s3cret", []byte(`{"MessageName":"Update","PrimaryEntityName":"msdyn_projecttask"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Malformed)
}

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Push(ctx context.Context, job models.WebhookJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

type mockDeduper struct {
	mock.Mock
}

func (m *mockDeduper) Mark(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, hash, ttl)
	return args.Bool(0), args.Error(1)
}

func TestIngest_StoreFailures(t *testing.T) {
	logger := zerolog.Nop()
	sink := events.NewLogSink(10)
	dedupe := new(mockDeduper)
	queue := new(mockQueue)
	ing := NewIngestor("", time.Minute, dedupe, queue, sink, &logger)

	dedupe.On("Mark", mock.Anything, mock.Anything, time.Minute).Return(false, errors.New("redis down"))
	queue.On("Push", mock.Anything, mock.AnythingOfType("models.WebhookJob")).Return(errors.New("disk full")).Once()
	queue.On("Push", mock.Anything, mock.AnythingOfType("models.WebhookJob")).Return(nil)

	res, err := ing.IngestBC(context.Background(), bcBody("", "created"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, models.OutcomeError, sink.Recent(1)[0].Outcome)

	res, err = ing.IngestBC(context.Background(), bcBody("", "created"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)

	dedupe.AssertExpectations(t)
	queue.AssertNumberOfCalls(t, "Push", 2)
}

func TestRecordHandshake(t *testing.T) {
	f := newFixture(t)
	f.ingestor.RecordHandshake(models.SourceBC)
	entries := f.sink.Recent(0)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeValidated, entries[0].Outcome)
}
