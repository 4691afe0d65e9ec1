package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"bcsync/internal/httpclient"
	"bcsync/internal/models"
	"bcsync/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const taskResource = "/api/v2.0/companies(c1)/projectTasks"

type mockSubscriptions struct{ mock.Mock }

func (m *mockSubscriptions) CreateSubscription(ctx context.Context, resource, url, state string) (*models.Subscription, error) {
	args := m.Called(ctx, resource, url, state)
	sub, _ := args.Get(0).(*models.Subscription)
	return sub, args.Error(1)
}

func (m *mockSubscriptions) RenewSubscription(ctx context.Context, sub models.Subscription, state string) (*models.Subscription, error) {
	args := m.Called(ctx, sub, state)
	out, _ := args.Get(0).(*models.Subscription)
	return out, args.Error(1)
}

func (m *mockSubscriptions) DeleteSubscription(ctx context.Context, sub models.Subscription) error {
	return m.Called(ctx, sub).Error(0)
}

func (m *mockSubscriptions) TaskResource() string { return taskResource }

type subscriptionFixture struct {
	svc    *SubscriptionService
	client *mockSubscriptions
	store  *repository.SubscriptionStore
	now    time.Time
}

func newSubscriptionFixture(t *testing.T) *subscriptionFixture {
	t.Helper()
	logger := zerolog.Nop()
	f := &subscriptionFixture{
		client: &mockSubscriptions{},
		store:  repository.NewSubscriptionStore(repository.NewMemoryKV(), repository.NewKeyspace("test:"), &logger),
		now:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewSubscriptionService(f.client, f.store, SubscriptionOptions{
		NotificationURL: "https://sync.example.com/webhooks/bc",
		ClientState:     "secret",
		RenewBefore:     24 * time.Hour,
	}, &logger)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func TestEnsureSubscription_CreatesWhenAbsent(t *testing.T) {
	f := newSubscriptionFixture(t)
	f.client.On("CreateSubscription", mock.Anything, taskResource, "https://sync.example.com/webhooks/bc", "secret").
		Return(&models.Subscription{ID: "sub-1"}, nil).Once()

	sub, err := f.svc.EnsureSubscription(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)
	assert.Equal(t, f.now.Add(72*time.Hour), sub.ExpirationDateTime)

	stored := f.store.Get(context.Background(), "sub-1")
	require.NotNil(t, stored)
	assert.Equal(t, taskResource, stored.Resource)

	// Still fresh: nothing to do.
	_, err = f.svc.EnsureSubscription(context.Background())
	require.NoError(t, err)
	f.client.AssertExpectations(t)
}

func TestEnsureSubscription_RenewsInsideWindow(t *testing.T) {
	f := newSubscriptionFixture(t)
	existing := models.Subscription{
		ID:                 "sub-1",
		Resource:           taskResource,
		NotificationURL:    "https://sync.example.com/webhooks/bc",
		ExpirationDateTime: f.now.Add(6 * time.Hour),
	}
	f.store.Save(context.Background(), existing)
	f.client.On("RenewSubscription", mock.Anything, mock.MatchedBy(func(s models.Subscription) bool { return s.ID == "sub-1" }), "secret").
		Return(&models.Subscription{ID: "sub-1", Resource: taskResource, ExpirationDateTime: f.now.Add(72 * time.Hour)}, nil).Once()

	sub, err := f.svc.EnsureSubscription(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(72*time.Hour), sub.ExpirationDateTime)
	assert.Equal(t, f.now.Add(72*time.Hour), f.store.Get(context.Background(), "sub-1").ExpirationDateTime)
	f.client.AssertExpectations(t)
}

func TestEnsureSubscription_RecreatesWhenGoneUpstream(t *testing.T) {
	f := newSubscriptionFixture(t)
	f.store.Save(context.Background(), models.Subscription{
		ID:                 "old",
		Resource:           taskResource,
		NotificationURL:    "https://sync.example.com/webhooks/bc",
		ExpirationDateTime: f.now.Add(time.Hour),
	})
	f.client.On("RenewSubscription", mock.Anything, mock.Anything, "secret").
		Return(nil, &httpclient.HTTPError{Status: http.StatusNotFound}).Once()
	f.client.On("CreateSubscription", mock.Anything, taskResource, mock.Anything, "secret").
		Return(&models.Subscription{ID: "new", ExpirationDateTime: f.now.Add(48 * time.Hour)}, nil).Once()

	sub, err := f.svc.EnsureSubscription(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", sub.ID)
	assert.Nil(t, f.store.Get(context.Background(), "old"))
	assert.Len(t, f.svc.List(context.Background()), 1)
}

func TestEnsureSubscription_RequiresNotificationURL(t *testing.T) {
	logger := zerolog.Nop()
	svc := NewSubscriptionService(&mockSubscriptions{}, nil, SubscriptionOptions{}, &logger)
	_, err := svc.EnsureSubscription(context.Background())
	assert.ErrorIs(t, err, ErrNotificationURLRequired)
}

func TestDeleteSubscription(t *testing.T) {
	f := newSubscriptionFixture(t)
	ctx := context.Background()
	f.store.Save(ctx, models.Subscription{ID: "sub-1", Resource: taskResource})
	f.client.On("DeleteSubscription", mock.Anything, mock.MatchedBy(func(s models.Subscription) bool { return s.ID == "sub-1" })).Return(nil).Once()

	require.NoError(t, f.svc.DeleteSubscription(ctx, "sub-1"))
	assert.Nil(t, f.store.Get(ctx, "sub-1"))
	assert.ErrorIs(t, f.svc.DeleteSubscription(ctx, "sub-1"), ErrSubscriptionNotFound)
	f.client.AssertExpectations(t)
}
