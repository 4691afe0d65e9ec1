package bc

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bcsync/internal/httpclient"
	"bcsync/internal/models"
)

type subscriptionPayload struct {
	SubscriptionID     string `json:"subscriptionId,omitempty"`
	NotificationURL    string `json:"notificationUrl"`
	Resource           string `json:"resource"`
	ClientState        string `json:"clientState,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ETag               string `json:"@odata.etag,omitempty"`
}

func (p subscriptionPayload) model() *models.Subscription {
	return &models.Subscription{
		ID:                 p.SubscriptionID,
		Resource:           p.Resource,
		NotificationURL:    p.NotificationURL,
		ExpirationDateTime: models.ParseTime(p.ExpirationDateTime),
		ETag:               p.ETag,
		UpdatedAt:          time.Now().UTC(),
	}
}

// subscriptionsURL is tenant-scoped and always served by the standard API.
func (c *Client) subscriptionsURL() string {
	parts := []string{strings.TrimRight(c.cfg.BaseURL, "/")}
	for _, p := range []string{c.cfg.OAuth.TenantID, c.cfg.Environment} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/") + "/api/v2.0/subscriptions"
}

// TaskResource is the subscription resource path for project task changes.
func (c *Client) TaskResource() string {
	return fmt.Sprintf("/%s/companies(%s)/%s", strings.Trim(c.cfg.APIPath, "/"), c.cfg.CompanyID, tasksSet)
}

func (c *Client) CreateSubscription(ctx context.Context, resource, notificationURL, clientState string) (*models.Subscription, error) {
	resp, err := c.api.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    c.subscriptionsURL(),
		Body: subscriptionPayload{
			NotificationURL: notificationURL,
			Resource:        resource,
			ClientState:     clientState,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	var out subscriptionPayload
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return out.model(), nil
}

// RenewSubscription re-PATCHes the subscription, which extends its expiry.
func (c *Client) RenewSubscription(ctx context.Context, sub models.Subscription, clientState string) (*models.Subscription, error) {
	resp, err := c.api.Do(ctx, httpclient.Request{
		Method: http.MethodPatch,
		URL:    fmt.Sprintf("%s('%s')", c.subscriptionsURL(), sub.ID),
		Body: subscriptionPayload{
			NotificationURL: sub.NotificationURL,
			Resource:        sub.Resource,
			ClientState:     clientState,
		},
		Headers: map[string]string{"If-Match": etagOrAny(sub.ETag)},
	})
	if err != nil {
		return nil, fmt.Errorf("renew subscription %s: %w", sub.ID, err)
	}
	var out subscriptionPayload
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	if out.SubscriptionID == "" {
		out.SubscriptionID = sub.ID
	}
	return out.model(), nil
}

func (c *Client) DeleteSubscription(ctx context.Context, sub models.Subscription) error {
	_, err := c.api.Do(ctx, httpclient.Request{
		Method:  http.MethodDelete,
		URL:     fmt.Sprintf("%s('%s')", c.subscriptionsURL(), sub.ID),
		Headers: map[string]string{"If-Match": etagOrAny(sub.ETag)},
	})
	if err != nil && !httpclient.IsNotFound(err) {
		return fmt.Errorf("delete subscription %s: %w", sub.ID, err)
	}
	return nil
}

func etagOrAny(etag string) string {
	if etag == "" {
		return "*"
	}
	return etag
}
