package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bcsync/internal/domain"
	"bcsync/internal/httpclient"
	"bcsync/internal/models"

	"github.com/rs/zerolog"
)

// maxSubscriptionLifetime is the longest expiry the ERP grants.
const maxSubscriptionLifetime = 3 * 24 * time.Hour

var (
	ErrNotificationURLRequired = errors.New("notification url is required")
	ErrSubscriptionNotFound    = errors.New("subscription not found")
)

type SubscriptionRepository interface {
	Get(ctx context.Context, id string) *models.Subscription
	Save(ctx context.Context, sub models.Subscription)
	Delete(ctx context.Context, id string)
	List(ctx context.Context) []models.Subscription
}

type SubscriptionOptions struct {
	NotificationURL string
	ClientState     string
	RenewBefore     time.Duration
	Lifetime        time.Duration
}

// SubscriptionService keeps one ERP task-change subscription alive.
type SubscriptionService struct {
	client domain.BCSubscriptions
	repo   SubscriptionRepository
	opts   SubscriptionOptions
	logger *zerolog.Logger
	now    func() time.Time
}

func NewSubscriptionService(client domain.BCSubscriptions, repo SubscriptionRepository, opts SubscriptionOptions, logger *zerolog.Logger) *SubscriptionService {
	if opts.RenewBefore <= 0 {
		opts.RenewBefore = 24 * time.Hour
	}
	if opts.Lifetime <= 0 || opts.Lifetime > maxSubscriptionLifetime {
		opts.Lifetime = maxSubscriptionLifetime
	}
	return &SubscriptionService{
		client: client,
		repo:   repo,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureSubscription creates the task subscription when none is stored and
// renews it once it expires within the renewal window.
func (s *SubscriptionService) EnsureSubscription(ctx context.Context) (*models.Subscription, error) {
	if s.opts.NotificationURL == "" {
		return nil, ErrNotificationURLRequired
	}
	resource := s.client.TaskResource()
	current := s.find(ctx, resource)
	if current == nil {
		return s.create(ctx, resource)
	}

	if current.ExpirationDateTime.Sub(s.now()) > s.opts.RenewBefore {
		return current, nil
	}

	renewed, err := s.client.RenewSubscription(ctx, *current, s.opts.ClientState)
	if httpclient.IsNotFound(err) {
		s.logger.Warn().Str("subscription_id", current.ID).Msg("subscription vanished upstream, recreating")
		s.repo.Delete(ctx, current.ID)
		return s.create(ctx, resource)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("subscription_id", current.ID).Msg("failed to renew subscription")
		return nil, err
	}
	s.store(ctx, renewed, resource)
	s.logger.Info().Str("subscription_id", renewed.ID).Time("expires", renewed.ExpirationDateTime).Msg("subscription renewed")
	return renewed, nil
}

func (s *SubscriptionService) DeleteSubscription(ctx context.Context, id string) error {
	sub := s.repo.Get(ctx, id)
	if sub == nil {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	if err := s.client.DeleteSubscription(ctx, *sub); err != nil {
		s.logger.Error().Err(err).Str("subscription_id", id).Msg("failed to delete subscription")
		return err
	}
	s.repo.Delete(ctx, id)
	s.logger.Info().Str("subscription_id", id).Msg("subscription deleted")
	return nil
}

func (s *SubscriptionService) List(ctx context.Context) []models.Subscription {
	return s.repo.List(ctx)
}

func (s *SubscriptionService) find(ctx context.Context, resource string) *models.Subscription {
	var found *models.Subscription
	for _, sub := range s.repo.List(ctx) {
		if sub.Resource != resource || sub.NotificationURL != s.opts.NotificationURL {
			continue
		}
		if found == nil || sub.ExpirationDateTime.After(found.ExpirationDateTime) {
			found = &sub
		}
	}
	return found
}

func (s *SubscriptionService) create(ctx context.Context, resource string) (*models.Subscription, error) {
	sub, err := s.client.CreateSubscription(ctx, resource, s.opts.NotificationURL, s.opts.ClientState)
	if err != nil {
		s.logger.Error().Err(err).Str("resource", resource).Msg("failed to create subscription")
		return nil, err
	}
	s.store(ctx, sub, resource)
	s.logger.Info().Str("subscription_id", sub.ID).Time("expires", sub.ExpirationDateTime).Msg("subscription created")
	return sub, nil
}

// store fills in fields the ERP response may omit before persisting.
func (s *SubscriptionService) store(ctx context.Context, sub *models.Subscription, resource string) {
	now := s.now().UTC()
	if sub.ExpirationDateTime.IsZero() {
		sub.ExpirationDateTime = now.Add(s.opts.Lifetime)
	}
	if sub.NotificationURL == "" {
		sub.NotificationURL = s.opts.NotificationURL
	}
	if sub.Resource == "" {
		sub.Resource = resource
	}
	sub.UpdatedAt = now
	s.repo.Save(ctx, *sub)
}
